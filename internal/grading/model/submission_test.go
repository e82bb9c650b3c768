package model

import "testing"

func TestStatusTransitions(t *testing.T) {
	terminals := []Status{
		StatusAccepted, StatusWrongAnswer, StatusTimeLimitExceeded,
		StatusMemoryLimitExceeded, StatusRuntimeError,
		StatusCompilationError, StatusInternalError,
	}

	// pending may move to running or any terminal.
	if !StatusPending.CanTransition(StatusRunning) {
		t.Fatal("pending -> running should be legal")
	}
	for _, term := range terminals {
		if !StatusPending.CanTransition(term) {
			t.Fatalf("pending -> %s should be legal", term)
		}
		if !StatusRunning.CanTransition(term) {
			t.Fatalf("running -> %s should be legal", term)
		}
	}

	// running never goes back.
	if StatusRunning.CanTransition(StatusPending) {
		t.Fatal("running -> pending should be illegal")
	}
	if StatusRunning.CanTransition(StatusRunning) {
		t.Fatal("running -> running should be illegal")
	}

	// terminals are immutable, including terminal -> terminal.
	for _, from := range terminals {
		for _, to := range append(terminals, StatusPending, StatusRunning) {
			if from.CanTransition(to) {
				t.Fatalf("%s -> %s should be illegal", from, to)
			}
		}
	}
}

func TestIsTerminal(t *testing.T) {
	if StatusPending.IsTerminal() || StatusRunning.IsTerminal() {
		t.Fatal("pending and running are not terminal")
	}
	if !StatusAccepted.IsTerminal() || !StatusInternalError.IsTerminal() {
		t.Fatal("accepted and internal_error are terminal")
	}
}

func TestWorseOfPriority(t *testing.T) {
	// Worst to mildest.
	order := []Status{
		StatusInternalError,
		StatusCompilationError,
		StatusTimeLimitExceeded,
		StatusMemoryLimitExceeded,
		StatusRuntimeError,
		StatusWrongAnswer,
		StatusAccepted,
	}
	for i, worse := range order {
		for _, milder := range order[i:] {
			if got := WorseOf(worse, milder); got != worse {
				t.Fatalf("WorseOf(%s, %s) = %s, want %s", worse, milder, got, worse)
			}
			if got := WorseOf(milder, worse); got != worse {
				t.Fatalf("WorseOf(%s, %s) = %s, want %s", milder, worse, got, worse)
			}
		}
	}
}

func TestIsGraded(t *testing.T) {
	sub := &Submission{Status: StatusRunning}
	if sub.IsGraded() {
		t.Fatal("running submission is not graded")
	}
	sub.Status = StatusWrongAnswer
	if !sub.IsGraded() {
		t.Fatal("terminal submission is graded")
	}
}
