package harness

// EventListener receives progress callbacks consumed by external UIs.
type EventListener interface {
	// TestAdded is called for every test case entering the graph.
	TestAdded()

	// AllTestsKnown is called once enqueuing is complete.
	AllTestsKnown()

	// Done is called exactly once per finished test case.
	Done(testCase *TestCase)

	// AllDone is called after the last test case has finished.
	AllDone()
}

// NopListener is an EventListener that ignores everything.
type NopListener struct{}

func (NopListener) TestAdded()     {}
func (NopListener) AllTestsKnown() {}
func (NopListener) Done(*TestCase) {}
func (NopListener) AllDone()       {}

// Listeners fans callbacks out to several listeners in order.
type Listeners []EventListener

func (l Listeners) TestAdded() {
	for _, li := range l {
		li.TestAdded()
	}
}

func (l Listeners) AllTestsKnown() {
	for _, li := range l {
		li.AllTestsKnown()
	}
}

func (l Listeners) Done(testCase *TestCase) {
	for _, li := range l {
		li.Done(testCase)
	}
}

func (l Listeners) AllDone() {
	for _, li := range l {
		li.AllDone()
	}
}
