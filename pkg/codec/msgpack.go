package codec

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"pewcron/pkg/job"
)

// Msgpack stores records as MessagePack. It keeps int64 and float64 apart,
// so it accepts every normalized value tree.
type Msgpack struct{}

func (Msgpack) Name() string { return "msgpack" }

func (Msgpack) Marshal(rec job.Record) ([]byte, error) {
	return msgpack.Marshal(&rec)
}

func (Msgpack) Unmarshal(data []byte) (job.Record, error) {
	var rec job.Record
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	if err := dec.Decode(&rec); err != nil {
		return job.Record{}, err
	}
	args, err := fromMsgpackValue(rec.Args)
	if err != nil {
		return job.Record{}, err
	}
	kwargs, err := fromMsgpackValue(rec.Kwargs)
	if err != nil {
		return job.Record{}, err
	}
	rec.Args, _ = args.([]any)
	rec.Kwargs, _ = kwargs.(map[string]any)
	return rec, nil
}

// fromMsgpackValue folds loose-decoded unsigned integers back to int64.
func fromMsgpackValue(v any) (any, error) {
	switch x := v.(type) {
	case uint64:
		n, err := job.NormalizeValue(x)
		if err != nil {
			return nil, fmt.Errorf("msgpack: %w", err)
		}
		return n, nil
	case []any:
		for i, e := range x {
			n, err := fromMsgpackValue(e)
			if err != nil {
				return nil, err
			}
			x[i] = n
		}
		return x, nil
	case map[string]any:
		for k, e := range x {
			n, err := fromMsgpackValue(e)
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
