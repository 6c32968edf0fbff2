package repo

import (
	"context"
	"errors"
	"sort"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/hydrusnetwork/tagrepo/internal/accounts"
	"github.com/hydrusnetwork/tagrepo/internal/apperr"
	"github.com/hydrusnetwork/tagrepo/internal/content"
)

const (
	opNextPetition    = "repo.next_petition"
	opResolvePetition = "repo.resolve_petition"
)

const (
	approveScoreMultiplier = 1
	denyScoreMultiplier    = -1
)

// NextPetition returns one outstanding petition for the moderator to triage,
// preferring removal petitions over pends, or a not-found error when the
// queues are empty. Only content types the moderator may overrule are
// considered.
func (s *Store) NextPetition(ctx context.Context, serviceKey string, moderator *accounts.Account) (content.Petition, error) {
	type scan struct {
		contentType content.ContentType
		status      Status
		action      content.Action
	}
	scans := []scan{
		{content.TypeMappings, StatusPetitioned, content.ActionPetition},
		{content.TypeMappings, StatusPending, content.ActionPend},
		{content.TypeTagSiblings, StatusPetitioned, content.ActionPetition},
		{content.TypeTagSiblings, StatusPending, content.ActionPend},
		{content.TypeTagParents, StatusPetitioned, content.ActionPetition},
		{content.TypeTagParents, StatusPending, content.ActionPend},
		{content.TypeFiles, StatusPetitioned, content.ActionPetition},
		{content.TypeFiles, StatusPending, content.ActionPend},
	}

	for _, candidate := range scans {
		if !moderator.HasPermission(candidate.contentType, accounts.PermissionOverrule) {
			continue
		}
		petition, found, err := s.scanPetition(ctx, serviceKey, candidate.contentType, candidate.status, candidate.action)
		if err != nil {
			return content.Petition{}, err
		}
		if found {
			return petition, nil
		}
	}
	return content.Petition{}, apperr.NotFoundf("no petitions outstanding for service %s", serviceKey)
}

// scanPetition finds the oldest row in the given state and gathers every
// row sharing its (petitioner, reason) into one petition envelope.
func (s *Store) scanPetition(ctx context.Context, serviceKey string, contentType content.ContentType, status Status, action content.Action) (content.Petition, bool, error) {
	switch contentType {
	case content.TypeMappings:
		return s.scanMappingPetition(ctx, serviceKey, status, action)
	case content.TypeTagSiblings:
		return s.scanSiblingPetition(ctx, serviceKey, status, action)
	case content.TypeTagParents:
		return s.scanParentPetition(ctx, serviceKey, status, action)
	case content.TypeFiles:
		return s.scanFilePetition(ctx, serviceKey, status, action)
	default:
		return content.Petition{}, false, nil
	}
}

// petitionOwner returns the account the petition belongs to: the submitter
// for pends, the petitioning account for removals.
func petitionOwner(status Status, accountKey, petitionerKey string) string {
	if status == StatusPetitioned {
		return petitionerKey
	}
	return accountKey
}

func (s *Store) scanMappingPetition(ctx context.Context, serviceKey string, status Status, action content.Action) (content.Petition, bool, error) {
	var head MappingRow
	err := s.db.WithContext(ctx).
		Where("service_key = ? AND status = ?", serviceKey, status).
		Order("id ASC").
		Take(&head).Error
	if isNotFound(err) {
		return content.Petition{}, false, nil
	}
	if err != nil {
		return content.Petition{}, false, newServiceError(opNextPetition, "mapping_scan_failed", err)
	}

	owner := petitionOwner(status, head.AccountKey, head.PetitionerKey)
	var rows []MappingRow
	query := s.db.WithContext(ctx).
		Where("service_key = ? AND status = ? AND reason = ?", serviceKey, status, head.Reason)
	if status == StatusPetitioned {
		query = query.Where("petitioner_key = ?", owner)
	} else {
		query = query.Where("account_key = ?", owner)
	}
	if err := query.Order("tag ASC, hash ASC").Find(&rows).Error; err != nil {
		return content.Petition{}, false, newServiceError(opNextPetition, "mapping_gather_failed", err)
	}

	hashesByTag := make(map[string][]string)
	for _, row := range rows {
		hashesByTag[row.Tag] = append(hashesByTag[row.Tag], row.Hash)
	}
	tags := make([]string, 0, len(hashesByTag))
	for tag := range hashesByTag {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	contents := make([]content.Content, 0, len(tags))
	for _, tag := range tags {
		row, err := content.NewMappings(tag, hashesByTag[tag])
		if err != nil {
			return content.Petition{}, false, newServiceError(opNextPetition, "mapping_content_invalid", err)
		}
		contents = append(contents, row)
	}

	petition, err := content.NewPetition(action, owner, head.Reason, contents)
	if err != nil {
		return content.Petition{}, false, newServiceError(opNextPetition, "petition_invalid", err)
	}
	return petition, true, nil
}

func (s *Store) scanSiblingPetition(ctx context.Context, serviceKey string, status Status, action content.Action) (content.Petition, bool, error) {
	var head TagSiblingRow
	err := s.db.WithContext(ctx).
		Where("service_key = ? AND status = ?", serviceKey, status).
		Order("id ASC").
		Take(&head).Error
	if isNotFound(err) {
		return content.Petition{}, false, nil
	}
	if err != nil {
		return content.Petition{}, false, newServiceError(opNextPetition, "sibling_scan_failed", err)
	}

	owner := petitionOwner(status, head.AccountKey, head.PetitionerKey)
	var rows []TagSiblingRow
	query := s.db.WithContext(ctx).
		Where("service_key = ? AND status = ? AND reason = ?", serviceKey, status, head.Reason)
	if status == StatusPetitioned {
		query = query.Where("petitioner_key = ?", owner)
	} else {
		query = query.Where("account_key = ?", owner)
	}
	if err := query.Order("old_tag ASC, new_tag ASC").Find(&rows).Error; err != nil {
		return content.Petition{}, false, newServiceError(opNextPetition, "sibling_gather_failed", err)
	}

	contents := make([]content.Content, 0, len(rows))
	for _, row := range rows {
		pair, err := content.NewTagSibling(row.OldTag, row.NewTag)
		if err != nil {
			return content.Petition{}, false, newServiceError(opNextPetition, "sibling_content_invalid", err)
		}
		contents = append(contents, pair)
	}

	petition, err := content.NewPetition(action, owner, head.Reason, contents)
	if err != nil {
		return content.Petition{}, false, newServiceError(opNextPetition, "petition_invalid", err)
	}
	return petition, true, nil
}

func (s *Store) scanParentPetition(ctx context.Context, serviceKey string, status Status, action content.Action) (content.Petition, bool, error) {
	var head TagParentRow
	err := s.db.WithContext(ctx).
		Where("service_key = ? AND status = ?", serviceKey, status).
		Order("id ASC").
		Take(&head).Error
	if isNotFound(err) {
		return content.Petition{}, false, nil
	}
	if err != nil {
		return content.Petition{}, false, newServiceError(opNextPetition, "parent_scan_failed", err)
	}

	owner := petitionOwner(status, head.AccountKey, head.PetitionerKey)
	var rows []TagParentRow
	query := s.db.WithContext(ctx).
		Where("service_key = ? AND status = ? AND reason = ?", serviceKey, status, head.Reason)
	if status == StatusPetitioned {
		query = query.Where("petitioner_key = ?", owner)
	} else {
		query = query.Where("account_key = ?", owner)
	}
	if err := query.Order("child_tag ASC, parent_tag ASC").Find(&rows).Error; err != nil {
		return content.Petition{}, false, newServiceError(opNextPetition, "parent_gather_failed", err)
	}

	contents := make([]content.Content, 0, len(rows))
	for _, row := range rows {
		pair, err := content.NewTagParent(row.ChildTag, row.ParentTag)
		if err != nil {
			return content.Petition{}, false, newServiceError(opNextPetition, "parent_content_invalid", err)
		}
		contents = append(contents, pair)
	}

	petition, err := content.NewPetition(action, owner, head.Reason, contents)
	if err != nil {
		return content.Petition{}, false, newServiceError(opNextPetition, "petition_invalid", err)
	}
	return petition, true, nil
}

func (s *Store) scanFilePetition(ctx context.Context, serviceKey string, status Status, action content.Action) (content.Petition, bool, error) {
	var head FileRow
	err := s.db.WithContext(ctx).
		Where("service_key = ? AND status = ?", serviceKey, status).
		Order("id ASC").
		Take(&head).Error
	if isNotFound(err) {
		return content.Petition{}, false, nil
	}
	if err != nil {
		return content.Petition{}, false, newServiceError(opNextPetition, "file_scan_failed", err)
	}

	owner := petitionOwner(status, head.AccountKey, head.PetitionerKey)
	var rows []FileRow
	query := s.db.WithContext(ctx).
		Where("service_key = ? AND status = ? AND reason = ?", serviceKey, status, head.Reason)
	if status == StatusPetitioned {
		query = query.Where("petitioner_key = ?", owner)
	} else {
		query = query.Where("account_key = ?", owner)
	}
	if err := query.Order("hash ASC").Find(&rows).Error; err != nil {
		return content.Petition{}, false, newServiceError(opNextPetition, "file_gather_failed", err)
	}

	hashes := make([]string, 0, len(rows))
	for _, row := range rows {
		hashes = append(hashes, row.Hash)
	}
	files, err := content.NewFiles(hashes)
	if err != nil {
		return content.Petition{}, false, newServiceError(opNextPetition, "file_content_invalid", err)
	}

	petition, err := content.NewPetition(action, owner, head.Reason, []content.Content{files})
	if err != nil {
		return content.Petition{}, false, newServiceError(opNextPetition, "petition_invalid", err)
	}
	return petition, true, nil
}

// ApprovePetition applies a petition as its moderation outcome: pends
// commit, removal petitions delete, and the petitioner is rewarded one
// point per row actually transitioned. Rows already resolved by another
// moderator degrade to no-ops, so replaying an approval never double
// counts. The approved slice defaults to the whole petition.
func (s *Store) ApprovePetition(ctx context.Context, serviceKey string, moderator *accounts.Account, petition content.Petition, approved []content.Content) error {
	if approved == nil {
		approved = petition.Contents()
	}
	serverUpdate, _ := petition.Approval(approved)
	return s.resolvePetition(ctx, serviceKey, moderator, petition, serverUpdate.Update, approveScoreMultiplier)
}

// DenyPetition rejects a petition, dropping pends or restoring petitioned
// rows, and punishes the petitioner one point per row transitioned.
func (s *Store) DenyPetition(ctx context.Context, serviceKey string, moderator *accounts.Account, petition content.Petition) error {
	denial := petition.Denial()
	return s.resolvePetition(ctx, serviceKey, moderator, petition, denial.Update, denyScoreMultiplier)
}

func (s *Store) resolvePetition(ctx context.Context, serviceKey string, moderator *accounts.Account, petition content.Petition, update *content.ContentUpdate, multiplier int64) error {
	// The score lands in the same transaction as the row transitions, so a
	// resolved-but-unscored petition cannot be left behind.
	result, err := s.processUpdate(ctx, serviceKey, moderator, update, func(tx *gorm.DB, applied ApplyResult) error {
		if applied.AffectedRows == 0 {
			return nil
		}
		delta := multiplier * int64(applied.AffectedRows)
		return s.accounts.AddScoreInTx(tx, serviceKey, petition.PetitionerKey(), delta)
	})
	if err != nil {
		s.logError(opResolvePetition, "resolve_failed", err,
			zap.String("service_key", serviceKey),
			zap.String("petitioner_key", petition.PetitionerKey()))
		return err
	}
	if result.AffectedRows == 0 {
		// Already resolved by another moderator; the intended state is in
		// place, so this is not an error and must not score.
		return nil
	}

	s.accounts.EvictAccount(serviceKey, petition.PetitionerKey())
	s.logger.Info("petition resolved",
		zap.String("service_key", serviceKey),
		zap.String("moderator_key", moderator.Key()),
		zap.String("petitioner_key", petition.PetitionerKey()),
		zap.Int("affected_rows", result.AffectedRows),
		zap.Int64("score_delta", multiplier*int64(result.AffectedRows)))
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
