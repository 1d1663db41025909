package batch

// ItemStatus is the processing outcome of a single ingested document.
type ItemStatus string

// Item status values.
const (
	StatusOK ItemStatus = "ok"
	// StatusError means the document was embedded or validated and then rejected.
	StatusError ItemStatus = "error"
	// StatusSkipped means the document never ran because an earlier failure aborted the batch.
	StatusSkipped ItemStatus = "skipped"
)

// Result is the outcome of one document in an ingestion batch.
// Index is the position in the caller's input; DocID is the stored primary key on success.
type Result struct {
	index  int
	docID  string
	status ItemStatus
	err    error
}

// NewOK creates a successful result.
func NewOK(index int, docID string) Result {
	return Result{index: index, docID: docID, status: StatusOK}
}

// NewError creates a failed result.
func NewError(index int, err error) Result {
	return Result{index: index, status: StatusError, err: err}
}

// NewSkipped creates a result for a document that was not attempted.
func NewSkipped(index int, err error) Result {
	return Result{index: index, status: StatusSkipped, err: err}
}

// Index returns the input position.
func (r Result) Index() int { return r.index }

// DocID returns the assigned document id, empty unless the status is ok.
func (r Result) DocID() string { return r.docID }

// Status returns the processing outcome.
func (r Result) Status() ItemStatus { return r.status }

// Err returns the error, if any.
func (r Result) Err() error { return r.err }

// Summary counts outcomes across a batch.
type Summary struct {
	OK      int
	Failed  int
	Skipped int
}

// Summarize counts results by status.
func Summarize(results []Result) Summary {
	var s Summary
	for _, r := range results {
		switch r.status {
		case StatusOK:
			s.OK++
		case StatusError:
			s.Failed++
		case StatusSkipped:
			s.Skipped++
		}
	}
	return s
}
