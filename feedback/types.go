package feedback

import "fmt"

// ExitKind classifies how a single execution of the target ended.
type ExitKind uint8

const (
	Normal ExitKind = iota
	Crash
	Timeout
	InvalidWriteToPayload
	MemoryFault
	FuzzerError
)

var exitKindNames = [...]string{
	Normal:                "normal",
	Crash:                 "crash",
	Timeout:               "timeout",
	InvalidWriteToPayload: "invalid_write_to_payload",
	MemoryFault:           "kasan",
	FuzzerError:           "fuzzer_error",
}

// String returns the corpus directory name used for the kind.
func (k ExitKind) String() string {
	if int(k) < len(exitKindNames) {
		return exitKindNames[k]
	}
	return fmt.Sprintf("exit_kind(%d)", uint8(k))
}

// ExitReason is the classified outcome of one run. Code is only meaningful
// for Normal, Detail only for Crash and InvalidWriteToPayload.
type ExitReason struct {
	Kind   ExitKind
	Code   int
	Detail []byte
}

func NormalExit(code int) ExitReason { return ExitReason{Kind: Normal, Code: code} }

func CrashExit(detail []byte) ExitReason { return ExitReason{Kind: Crash, Detail: detail} }

func TimeoutExit() ExitReason { return ExitReason{Kind: Timeout} }

func InvalidWriteExit(detail []byte) ExitReason {
	return ExitReason{Kind: InvalidWriteToPayload, Detail: detail}
}

func MemoryFaultExit() ExitReason { return ExitReason{Kind: MemoryFault} }

func FuzzerErrorExit() ExitReason { return ExitReason{Kind: FuzzerError} }

// Name is the directory under corpus/ that inputs with this reason are stored in.
func (r ExitReason) Name() string { return r.Kind.String() }

// Equal compares kind and code; details are ignored.
func (r ExitReason) Equal(o ExitReason) bool {
	return r.Kind == o.Kind && r.Code == o.Code
}

func (r ExitReason) String() string {
	switch r.Kind {
	case Normal:
		return fmt.Sprintf("Normal(%d)", r.Code)
	case Crash, InvalidWriteToPayload:
		return fmt.Sprintf("%s(%q)", r.Kind, r.Detail)
	default:
		return r.Kind.String()
	}
}

// TestInfo is what an executor reports for one run.
type TestInfo struct {
	OpsUsed uint32
	Exit    ExitReason
}

// RuntimeSignature is a compact summary of a worker's executions so far.
type RuntimeSignature struct {
	Executions int
	NewInputs  int
	// ByKind counts executions per exit kind.
	ByKind map[ExitKind]int
}

// NewRuntimeSignature initializes a RuntimeSignature with a non-nil ByKind map.
func NewRuntimeSignature() RuntimeSignature {
	return RuntimeSignature{
		ByKind: make(map[ExitKind]int),
	}
}

// Observe records one execution.
func (s *RuntimeSignature) Observe(info TestInfo, isNew bool) {
	if s.ByKind == nil {
		s.ByKind = make(map[ExitKind]int)
	}
	s.Executions++
	s.ByKind[info.Exit.Kind]++
	if isNew {
		s.NewInputs++
	}
}

// Crashes is the number of runs that ended in Crash.
func (s RuntimeSignature) Crashes() int { return s.ByKind[Crash] }
