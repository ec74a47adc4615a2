package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"pewcron/pkg/job"
)

// JSON stores records as JSON objects. Integral number literals decode as
// int64 and all others as float64, so a float64 holding an integral value
// does not survive and is rejected by EncodeJob.
type JSON struct{}

func (JSON) Name() string { return "json" }

func (JSON) Marshal(rec job.Record) ([]byte, error) {
	return json.Marshal(rec)
}

func (JSON) Unmarshal(data []byte) (job.Record, error) {
	var rec job.Record
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&rec); err != nil {
		return job.Record{}, err
	}
	args, err := fromJSONValue(rec.Args)
	if err != nil {
		return job.Record{}, err
	}
	kwargs, err := fromJSONValue(rec.Kwargs)
	if err != nil {
		return job.Record{}, err
	}
	rec.Args, _ = args.([]any)
	rec.Kwargs, _ = kwargs.(map[string]any)
	return rec, nil
}

func fromJSONValue(v any) (any, error) {
	switch x := v.(type) {
	case json.Number:
		s := x.String()
		if !strings.ContainsAny(s, ".eE") {
			if n, err := x.Int64(); err == nil {
				return n, nil
			}
		}
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("number %s: %w", s, err)
		}
		return f, nil
	case []any:
		if x == nil {
			return x, nil
		}
		for i, e := range x {
			n, err := fromJSONValue(e)
			if err != nil {
				return nil, err
			}
			x[i] = n
		}
		return x, nil
	case map[string]any:
		if x == nil {
			return x, nil
		}
		for k, e := range x {
			n, err := fromJSONValue(e)
			if err != nil {
				return nil, err
			}
			x[k] = n
		}
		return x, nil
	default:
		return v, nil
	}
}
