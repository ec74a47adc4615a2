//go:build !linux

package builtin

func defaultSystemctl() systemctlFunc { return runSystemctl }
