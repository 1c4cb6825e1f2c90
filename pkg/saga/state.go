package saga

// Status is the lifecycle state of an orchestration.
type Status string

const (
	StatusReceived               Status = "RECEIVED"
	StatusInvoiceGenerated       Status = "INVOICE_GENERATED"
	StatusPaymentCompleted       Status = "PAYMENT_COMPLETED"
	StatusSettlementCompleted    Status = "SETTLEMENT_COMPLETED"
	StatusCompensationRequired   Status = "COMPENSATION_REQUIRED"
	StatusCompensationInProgress Status = "COMPENSATION_IN_PROGRESS"
	StatusCompensated            Status = "COMPENSATED"
	StatusFailed                 Status = "FAILED"
	StatusTimedOut               Status = "TIMED_OUT"
)

// transitions is the adjacency table of the saga. It is populated once at package
// init and only read afterwards.
var transitions = func() map[Status]map[Status]struct{} {
	edges := map[Status][]Status{
		StatusReceived: {
			StatusInvoiceGenerated,
			StatusCompensationRequired,
			StatusTimedOut,
			StatusFailed,
		},
		StatusInvoiceGenerated: {
			StatusPaymentCompleted,
			StatusCompensationRequired,
			StatusTimedOut,
			StatusFailed,
		},
		StatusPaymentCompleted: {
			StatusSettlementCompleted,
			StatusCompensationRequired,
			StatusCompensationInProgress,
			StatusTimedOut,
			StatusFailed,
		},
		StatusCompensationRequired: {
			StatusCompensationInProgress,
			StatusTimedOut,
			StatusFailed,
		},
		StatusCompensationInProgress: {
			StatusCompensated,
			StatusTimedOut,
			StatusFailed,
		},
		StatusSettlementCompleted: nil,
		StatusCompensated:         nil,
		StatusFailed:              nil,
		StatusTimedOut:            nil,
	}

	table := make(map[Status]map[Status]struct{}, len(edges))
	for from, targets := range edges {
		set := make(map[Status]struct{}, len(targets))
		for _, to := range targets {
			set[to] = struct{}{}
		}
		table[from] = set
	}
	return table
}()

// Statuses returns every known status in lifecycle order.
func Statuses() []Status {
	return []Status{
		StatusReceived,
		StatusInvoiceGenerated,
		StatusPaymentCompleted,
		StatusSettlementCompleted,
		StatusCompensationRequired,
		StatusCompensationInProgress,
		StatusCompensated,
		StatusFailed,
		StatusTimedOut,
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal reports whether no further transition can leave s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSettlementCompleted, StatusCompensated, StatusFailed, StatusTimedOut:
		return true
	default:
		return false
	}
}

// CanTransition reports whether a record in from may be written as to.
// Identity transitions between known statuses are always allowed.
func CanTransition(from, to Status) bool {
	edges, ok := transitions[from]
	if !ok || !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	_, ok = edges[to]
	return ok
}
