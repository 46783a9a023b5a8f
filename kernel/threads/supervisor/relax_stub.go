//go:build !amd64 || noasm

package supervisor

func cpuRelax() {}
