package core

// RecordFailure is one record excluded from a run, with the reason.
type RecordFailure struct {
	OrderID int64  `json:"order_id"`
	Line    int    `json:"line,omitempty"`
	Kind    string `json:"kind"`
	Reason  string `json:"reason"`
}

// Batch is the output of an extraction: parsed records plus rows that could
// not be turned into records at all.
type Batch struct {
	Source   string
	Records  []RawSalesRecord
	Rejected []RecordFailure
}

// Size is the number of input rows seen, parsed or not.
func (b Batch) Size() int {
	return len(b.Records) + len(b.Rejected)
}

// NewRecordFailure classifies err for the run report.
func NewRecordFailure(orderID int64, err error) RecordFailure {
	return RecordFailure{OrderID: orderID, Kind: FailureKind(err), Reason: err.Error()}
}
