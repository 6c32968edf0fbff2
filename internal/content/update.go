package content

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Action enumerates what a bundle entry asks the repository to do with its
// rows.
type Action int

const (
	// ActionAdd commits rows as current. Moderator path only.
	ActionAdd Action = iota
	// ActionDelete removes current rows. Moderator path only.
	ActionDelete
	// ActionPend proposes new rows.
	ActionPend
	// ActionPetition proposes removal of current rows with a reason.
	ActionPetition
	// ActionRescindPend withdraws the submitter's own pending rows.
	ActionRescindPend
	// ActionRescindPetition withdraws the submitter's own petitioned rows.
	ActionRescindPetition
	// ActionDenyPend rejects pending rows. Moderator path only.
	ActionDenyPend
	// ActionDenyPetition rejects a removal petition. Moderator path only.
	ActionDenyPetition

	numActions
)

var actionNames = [numActions]string{
	ActionAdd:             "add",
	ActionDelete:          "delete",
	ActionPend:            "pend",
	ActionPetition:        "petition",
	ActionRescindPend:     "rescind_pend",
	ActionRescindPetition: "rescind_petition",
	ActionDenyPend:        "deny_pend",
	ActionDenyPetition:    "deny_petition",
}

// ErrUnknownAction indicates a name that does not parse to an Action.
var ErrUnknownAction = errors.New("content: unknown action")

// String returns the wire name of the action.
func (a Action) String() string {
	if a < 0 || a >= numActions {
		return fmt.Sprintf("action(%d)", int(a))
	}
	return actionNames[a]
}

// Valid reports whether the value is a member of the closed enum.
func (a Action) Valid() bool {
	return a >= 0 && a < numActions
}

// ParseAction resolves a wire name back to the enum value.
func ParseAction(name string) (Action, error) {
	trimmed := strings.ToLower(strings.TrimSpace(name))
	for i, candidate := range actionNames {
		if candidate == trimmed {
			return Action(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownAction, name)
}

// UpdateEntry groups the rows of one (content type, action) pair inside a
// bundle.
type UpdateEntry struct {
	Type   ContentType `json:"type"`
	Action Action      `json:"action"`
	Rows   []Content   `json:"rows"`
}

// UpdateReasons carries the free-text reason attached to pend or petition
// rows, keyed by action.
type UpdateReasons map[Action]string

// ContentUpdate is the wire-level bundle of content changes a client submits
// and the server replays. Entries keep insertion order so replay is
// deterministic.
type ContentUpdate struct {
	entries []UpdateEntry
	reasons UpdateReasons
}

// NewContentUpdate returns an empty bundle.
func NewContentUpdate() *ContentUpdate {
	return &ContentUpdate{reasons: UpdateReasons{}}
}

// AddRow appends a row under its (content type, action) entry.
func (u *ContentUpdate) AddRow(action Action, row Content) {
	key := row.Type()
	for i := range u.entries {
		if u.entries[i].Type == key && u.entries[i].Action == action {
			u.entries[i].Rows = append(u.entries[i].Rows, row)
			return
		}
	}
	u.entries = append(u.entries, UpdateEntry{Type: key, Action: action, Rows: []Content{row}})
}

// SetReason attaches the free-text reason for pend or petition rows.
func (u *ContentUpdate) SetReason(action Action, reason string) {
	if u.reasons == nil {
		u.reasons = UpdateReasons{}
	}
	u.reasons[action] = reason
}

// Reason returns the reason attached for an action, or "".
func (u *ContentUpdate) Reason(action Action) string {
	return u.reasons[action]
}

// Entries returns the bundle entries in insertion order.
func (u *ContentUpdate) Entries() []UpdateEntry {
	return u.entries
}

// IsEmpty reports whether the bundle carries no rows.
func (u *ContentUpdate) IsEmpty() bool {
	for _, entry := range u.entries {
		if len(entry.Rows) > 0 {
			return false
		}
	}
	return true
}

// NumRows counts the rows in the bundle. Mapping batches count their inner
// hash lists rather than one per row, since that is the unit package-size
// chunking works in.
func (u *ContentUpdate) NumRows() int {
	total := 0
	for _, entry := range u.entries {
		for _, row := range entry.Rows {
			switch row.Type() {
			case TypeMappings:
				total += len(row.hashes)
			default:
				total++
			}
		}
	}
	return total
}

// VirtualWeight sums the virtual weight of every row in the bundle.
func (u *ContentUpdate) VirtualWeight() int {
	total := 0
	for _, entry := range u.entries {
		for _, row := range entry.Rows {
			total += row.VirtualWeight()
		}
	}
	return total
}

type updateWire struct {
	Entries []updateEntryWire `json:"entries"`
	Reasons map[string]string `json:"reasons,omitempty"`
}

type updateEntryWire struct {
	Type   string    `json:"type"`
	Action string    `json:"action"`
	Rows   []Content `json:"rows"`
}

// MarshalJSON encodes the bundle with symbolic type and action names.
func (u *ContentUpdate) MarshalJSON() ([]byte, error) {
	wire := updateWire{Entries: make([]updateEntryWire, 0, len(u.entries))}
	for _, entry := range u.entries {
		wire.Entries = append(wire.Entries, updateEntryWire{
			Type:   entry.Type.String(),
			Action: entry.Action.String(),
			Rows:   entry.Rows,
		})
	}
	if len(u.reasons) > 0 {
		wire.Reasons = make(map[string]string, len(u.reasons))
		for action, reason := range u.reasons {
			wire.Reasons[action.String()] = reason
		}
	}
	return json.Marshal(wire)
}

// UnmarshalJSON decodes and validates a bundle.
func (u *ContentUpdate) UnmarshalJSON(data []byte) error {
	var wire updateWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	decoded := NewContentUpdate()
	for _, entry := range wire.Entries {
		action, err := ParseAction(entry.Action)
		if err != nil {
			return err
		}
		if _, err := ParseContentType(entry.Type); err != nil {
			return err
		}
		for _, row := range entry.Rows {
			decoded.AddRow(action, row)
		}
	}
	for name, reason := range wire.Reasons {
		action, err := ParseAction(name)
		if err != nil {
			return err
		}
		decoded.SetReason(action, reason)
	}
	*u = *decoded
	return nil
}

// ClientToServerUpdate pairs a bundle with the account key it is submitted
// under. The petitioner is referenced by key only, never by live handle.
type ClientToServerUpdate struct {
	AccountKey string         `json:"account_key"`
	Update     *ContentUpdate `json:"update"`
}
