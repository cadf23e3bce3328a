package escrow

import (
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"escrowflow/dispute"
	"escrowflow/events"
	"escrowflow/ledger"
)

const (
	EventTypeUserRegistered  = "UserRegistered"
	EventTypeEscrowCreated   = "EscrowCreated"
	EventTypeWorkSubmitted   = "WorkSubmitted"
	EventTypeWorkApproved    = "WorkApproved"
	EventTypeWorkRejected    = "WorkRejected"
	EventTypeVoteCast        = "VoteCast"
	EventTypeDisputeResolved = "DisputeResolved"
	EventTypeEscrowSettled   = "EscrowSettled"
)

// Event is a committed engine transition.
type Event struct {
	id    string
	kind  string
	at    time.Time
	attrs map[string]string
}

var (
	_ events.Event      = (*Event)(nil)
	_ events.Stamped    = (*Event)(nil)
	_ events.Attributer = (*Event)(nil)
)

func (e *Event) EventType() string     { return e.kind }
func (e *Event) EventID() string       { return e.id }
func (e *Event) OccurredAt() time.Time { return e.at }

// Attributes returns a copy of the event payload.
func (e *Event) Attributes() map[string]string {
	out := make(map[string]string, len(e.attrs))
	for k, v := range e.attrs {
		out[k] = v
	}
	return out
}

// Attr returns a single payload value.
func (e *Event) Attr(key string) string { return e.attrs[key] }

// EscrowID returns the escrow the event refers to, if any.
func (e *Event) EscrowID() (uint64, bool) {
	raw, ok := e.attrs["escrowId"]
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func newEvent(kind string, at time.Time, actor common.Address, attrs map[string]string) *Event {
	if attrs == nil {
		attrs = map[string]string{}
	}
	attrs["actor"] = actor.Hex()
	return &Event{
		id:    uuid.NewString(),
		kind:  kind,
		at:    at,
		attrs: attrs,
	}
}

func newUserRegisteredEvent(at time.Time, who common.Address, t ledger.UserType) *Event {
	return newEvent(EventTypeUserRegistered, at, who, map[string]string{
		"identity": who.Hex(),
		"userType": t.String(),
	})
}

// escrowAttributes snapshots the record fields relevant to every transition.
func escrowAttributes(rec *ledger.Escrow) map[string]string {
	return map[string]string{
		"escrowId":            strconv.FormatUint(rec.ID, 10),
		"client":              rec.Client.Hex(),
		"worker":              rec.Worker.Hex(),
		"amount":              rec.Amount.Dec(),
		"isDisputed":          strconv.FormatBool(rec.IsDisputed),
		"clientDecisionGiven": strconv.FormatBool(rec.ClientDecisionGiven),
		"isSettled":           strconv.FormatBool(rec.IsSettled),
		"votesYes":            joinAddresses(rec.VotesYes),
		"votesNo":             joinAddresses(rec.VotesNo),
		"stage":               string(StageOf(rec)),
	}
}

// joinAddresses renders voters in vote order as comma-separated hex.
func joinAddresses(addrs []common.Address) string {
	parts := make([]string, len(addrs))
	for i, a := range addrs {
		parts[i] = a.Hex()
	}
	return strings.Join(parts, ",")
}

func newEscrowCreatedEvent(at time.Time, rec *ledger.Escrow) *Event {
	attrs := escrowAttributes(rec)
	attrs["agreement"] = rec.Agreement
	return newEvent(EventTypeEscrowCreated, at, rec.Client, attrs)
}

func newWorkSubmittedEvent(at time.Time, rec *ledger.Escrow) *Event {
	attrs := escrowAttributes(rec)
	attrs["submission"] = rec.Submission
	return newEvent(EventTypeWorkSubmitted, at, rec.Worker, attrs)
}

func newDecisionEvent(at time.Time, rec *ledger.Escrow, approved bool) *Event {
	kind := EventTypeWorkRejected
	if approved {
		kind = EventTypeWorkApproved
	}
	return newEvent(kind, at, rec.Client, escrowAttributes(rec))
}

func newVoteEvent(at time.Time, rec *ledger.Escrow, voter common.Address, verdict dispute.Verdict, resolved, favorWorker bool) *Event {
	attrs := escrowAttributes(rec)
	attrs["verdict"] = verdict.String()
	kind := EventTypeVoteCast
	if resolved {
		kind = EventTypeDisputeResolved
		attrs["favor"] = dispute.Verdict(favorWorker).String()
	}
	return newEvent(kind, at, voter, attrs)
}

func newSettledEvent(at time.Time, rec *ledger.Escrow, admin common.Address) *Event {
	attrs := escrowAttributes(rec)
	attrs["paidTo"] = rec.PaidTo.Hex()
	return newEvent(EventTypeEscrowSettled, at, admin, attrs)
}
