package content

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPetition indicates a petition constructor received unusable
// input.
var ErrInvalidPetition = errors.New("content: invalid petition")

// Petition is an immutable moderation request: either a pend awaiting
// commitment or a removal petition awaiting approval. The petitioner is
// referenced by account key only so scoring lookups never hold a live
// account.
type Petition struct {
	action     Action
	petitioner string
	reason     string
	contents   []Content
}

// NewPetition validates and builds a petition envelope.
func NewPetition(action Action, petitionerKey, reason string, contents []Content) (Petition, error) {
	if action != ActionPend && action != ActionPetition {
		return Petition{}, fmt.Errorf("%w: action must be pend or petition, got %s", ErrInvalidPetition, action)
	}
	if strings.TrimSpace(petitionerKey) == "" {
		return Petition{}, fmt.Errorf("%w: petitioner account key required", ErrInvalidPetition)
	}
	if len(contents) == 0 {
		return Petition{}, fmt.Errorf("%w: petition requires content", ErrInvalidPetition)
	}
	cloned := make([]Content, len(contents))
	copy(cloned, contents)
	return Petition{action: action, petitioner: petitionerKey, reason: reason, contents: cloned}, nil
}

// Action returns whether this is a pend or a removal petition.
func (p Petition) Action() Action {
	return p.action
}

// PetitionerKey returns the account key of the petitioner.
func (p Petition) PetitionerKey() string {
	return p.petitioner
}

// Reason returns the petitioner's free-text justification.
func (p Petition) Reason() string {
	return p.reason
}

// Contents returns a copy of the petitioned content rows.
func (p Petition) Contents() []Content {
	cloned := make([]Content, len(p.contents))
	copy(cloned, p.contents)
	return cloned
}

// NumRows counts the affected items across the petition, weighting mapping
// batches by their hash-list length.
func (p Petition) NumRows() int {
	update := NewContentUpdate()
	for _, row := range p.contents {
		update.AddRow(p.action, row)
	}
	return update.NumRows()
}

// Approval converts the petition into the server-side update a moderator
// replays plus the equivalent clientside update. The approved slice must be
// a subset of Contents(); rows that have changed underneath the petition are
// re-validated by the store and degrade to no-ops there.
func (p Petition) Approval(approved []Content) (ClientToServerUpdate, *ContentUpdate) {
	serverAction := ActionAdd
	if p.action == ActionPetition {
		serverAction = ActionDelete
	}

	serverUpdate := NewContentUpdate()
	clientUpdate := NewContentUpdate()
	for _, row := range approved {
		serverUpdate.AddRow(serverAction, row)
		clientUpdate.AddRow(serverAction, row)
	}
	serverUpdate.SetReason(serverAction, p.reason)

	return ClientToServerUpdate{AccountKey: p.petitioner, Update: serverUpdate}, clientUpdate
}

// Denial converts the petition into the deny update a moderator replays.
func (p Petition) Denial() ClientToServerUpdate {
	denyAction := ActionDenyPend
	if p.action == ActionPetition {
		denyAction = ActionDenyPetition
	}

	update := NewContentUpdate()
	for _, row := range p.contents {
		update.AddRow(denyAction, row)
	}
	update.SetReason(denyAction, p.reason)

	return ClientToServerUpdate{AccountKey: p.petitioner, Update: update}
}
