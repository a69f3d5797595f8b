package feedback

import "testing"

func TestExitReasonNames(t *testing.T) {
	cases := []struct {
		r    ExitReason
		name string
		str  string
	}{
		{NormalExit(0), "normal", "Normal(0)"},
		{CrashExit([]byte("boom")), "crash", `crash("boom")`},
		{TimeoutExit(), "timeout", "timeout"},
		{InvalidWriteExit(nil), "invalid_write_to_payload", `invalid_write_to_payload("")`},
		{MemoryFaultExit(), "kasan", "kasan"},
		{FuzzerErrorExit(), "fuzzer_error", "fuzzer_error"},
	}
	for _, c := range cases {
		if got := c.r.Name(); got != c.name {
			t.Errorf("Name() = %q, want %q", got, c.name)
		}
		if got := c.r.String(); got != c.str {
			t.Errorf("String() = %q, want %q", got, c.str)
		}
	}
}

func TestExitReasonEqualIgnoresDetail(t *testing.T) {
	if !CrashExit([]byte("a")).Equal(CrashExit([]byte("b"))) {
		t.Errorf("crash reasons with different details should be equal")
	}
	if NormalExit(0).Equal(NormalExit(1)) {
		t.Errorf("normal exits with different codes should differ")
	}
}

func TestRuntimeSignatureObserve(t *testing.T) {
	var s RuntimeSignature
	s.Observe(TestInfo{Exit: NormalExit(0)}, true)
	s.Observe(TestInfo{Exit: CrashExit(nil)}, true)
	s.Observe(TestInfo{Exit: CrashExit(nil)}, false)

	if s.Executions != 3 {
		t.Errorf("Executions = %d, want 3", s.Executions)
	}
	if s.NewInputs != 2 {
		t.Errorf("NewInputs = %d, want 2", s.NewInputs)
	}
	if s.Crashes() != 2 {
		t.Errorf("Crashes() = %d, want 2", s.Crashes())
	}
}

func TestMetricsObserve(t *testing.T) {
	m := NewMetrics()
	m.Observe(TestInfo{Exit: CrashExit(nil)})
	m.Observe(TestInfo{Exit: CrashExit(nil)})
	m.Observe(TestInfo{Exit: NormalExit(0)})

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatal(err)
	}
	counts := map[string]float64{}
	for _, f := range families {
		if f.GetName() != "specfuzz_executions_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			counts[metric.GetLabel()[0].GetValue()] = metric.GetCounter().GetValue()
		}
	}
	if counts["crash"] != 2 || counts["normal"] != 1 {
		t.Errorf("executions = %v", counts)
	}

	var nilMetrics *Metrics
	nilMetrics.Observe(TestInfo{})
}
