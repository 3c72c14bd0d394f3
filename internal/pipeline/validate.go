package pipeline

import "fmt"

// Validate checks every name, kind and payload reference in t against reg without constructing
// anything. All problems are reported together in one *ConfigError.
func Validate(t Topology, reg *Registry) error {
	if reg == nil {
		return configErrorf("registry is required")
	}
	var problems []string
	addf := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	for _, name := range sortedKeys(t.Queues) {
		switch p := t.Queues[name].payload(); p {
		case PayloadIdentifier, PayloadRecord:
		default:
			addf("queue %q: unknown payload %q", name, p)
		}
	}

	checkQueue := func(owner, role, queue string, want Payload, required bool) {
		switch {
		case queue == "" && want != "" && required:
			addf("%s: %s queue is required", owner, role)
		case queue == "":
		case want == "":
			addf("%s: kind takes no %s queue but %q is bound", owner, role, queue)
		default:
			qc, ok := t.Queues[queue]
			if !ok {
				addf("%s: %s queue %q is not declared", owner, role, queue)
				return
			}
			if qc.payload() != want {
				addf("%s: %s queue %q carries %s, want %s", owner, role, queue, qc.payload(), want)
			}
		}
	}

	for _, name := range sortedKeys(t.Workers) {
		wc := t.Workers[name]
		owner := fmt.Sprintf("worker %q", name)
		wk, ok := reg.worker(wc.Kind)
		if !ok {
			addf("%s: unknown kind %q", owner, wc.Kind)
			continue
		}
		checkQueue(owner, "input", wc.InputQueue, wk.Input, true)
		checkQueue(owner, "output", wc.OutputQueue, wk.Output, true)
	}

	for _, name := range sortedKeys(t.Schedulers) {
		sc := t.Schedulers[name]
		owner := fmt.Sprintf("scheduler %q", name)
		if sc.Instances < 1 {
			addf("%s: instances must be >= 1, got %d", owner, sc.Instances)
		}
		if sc.StopTokens < 0 {
			addf("%s: stop_tokens must be >= 0, got %d", owner, sc.StopTokens)
		}
		pk, ok := reg.pool(sc.Kind)
		if !ok {
			addf("%s: unknown kind %q", owner, sc.Kind)
			continue
		}
		checkQueue(owner, "input", sc.InputQueue, pk.Input, true)
		checkQueue(owner, "output", sc.OutputQueue, pk.Output, false)
	}

	consumers := t.consumers()
	for _, queue := range sortedKeys(consumers) {
		if pools := consumers[queue]; len(pools) > 1 {
			addf("queue %q is consumed by more than one scheduler: %v", queue, pools)
		}
	}

	if len(problems) > 0 {
		return &ConfigError{Problems: problems}
	}
	return nil
}
