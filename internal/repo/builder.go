package repo

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/hydrusnetwork/tagrepo/internal/apperr"
	"github.com/hydrusnetwork/tagrepo/internal/content"
	"github.com/hydrusnetwork/tagrepo/internal/vault"
)

const (
	opSealUpdates   = "repo.seal_updates"
	opMetadataSlice = "repo.metadata_slice"
	opGetPackage    = "repo.get_package"
)

// DefaultChunkWeight is the virtual weight at which a sealed window splits
// into a further package file.
const DefaultChunkWeight = 100_000

var errMissingVault = errors.New("vault is required")

// BuilderConfig describes the dependencies of the update builder.
type BuilderConfig struct {
	Database    *gorm.DB
	Vault       vault.Vault
	Locks       *ServiceLocks
	Clock       func() time.Time
	Logger      *zap.Logger
	ChunkWeight int
}

// Builder seals completed update windows into immutable, hash-addressed
// package files and maintains the append-only metadata index clients sync
// against. It shares the per-service lock table with the store so sealing
// and metadata commits serialize against content writes.
type Builder struct {
	db          *gorm.DB
	vault       vault.Vault
	locks       *ServiceLocks
	clock       func() time.Time
	logger      *zap.Logger
	chunkWeight int
}

// NewBuilder constructs the update builder.
func NewBuilder(cfg BuilderConfig) (*Builder, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opSealUpdates, "missing_database", errMissingDatabase)
	}
	if cfg.Vault == nil {
		return nil, newServiceError(opSealUpdates, "missing_vault", errMissingVault)
	}
	if cfg.Locks == nil {
		return nil, newServiceError(opSealUpdates, "missing_locks", errMissingLocks)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	chunkWeight := cfg.ChunkWeight
	if chunkWeight <= 0 {
		chunkWeight = DefaultChunkWeight
	}
	return &Builder{
		db:          cfg.Database,
		vault:       cfg.Vault,
		locks:       cfg.Locks,
		clock:       clock,
		logger:      logger,
		chunkWeight: chunkWeight,
	}, nil
}

// UpdateMetadata is one sealed window as served to syncing clients.
type UpdateMetadata struct {
	UpdateIndex   int64    `json:"update_index"`
	BeginSeconds  int64    `json:"begin"`
	EndSeconds    int64    `json:"end"`
	PackageHashes []string `json:"package_hashes"`
}

// updatePackage is the canonical serialized form of one package file. The
// hash of the marshaled bytes names the file in the vault, so the field
// order and encoding must stay stable.
type updatePackage struct {
	ServiceKey   string                 `json:"service_key"`
	UpdateIndex  int64                  `json:"update_index"`
	PackageIndex int                    `json:"package_index"`
	BeginSeconds int64                  `json:"begin"`
	EndSeconds   int64                  `json:"end"`
	Update       *content.ContentUpdate `json:"update"`
}

// sealItem is one row of a sealed window before chunking.
type sealItem struct {
	action content.Action
	row    content.Content
}

// SealDueUpdates seals every fully elapsed update window for the service,
// oldest first. Each window is read from the durable tables, chunked into
// package files, written to the vault, and only then committed to the
// metadata index, so a crash between the two leaves at worst orphaned
// vault objects and never a dangling reference. Sealing stops when the
// next window has not fully elapsed or when stopBy passes.
func (b *Builder) SealDueUpdates(ctx context.Context, serviceKey string, stopBy time.Time) (int, error) {
	var service ServiceRecord
	if err := b.db.WithContext(ctx).Where("service_key = ?", serviceKey).Take(&service).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, apperr.NotFoundf("service %s is not registered", serviceKey)
		}
		return 0, newServiceError(opSealUpdates, "service_query_failed", err)
	}

	sealed := 0
	for {
		if !stopBy.IsZero() && !b.clock().Before(stopBy) {
			break
		}
		if err := ctx.Err(); err != nil {
			return sealed, err
		}

		nextIndex, begin, err := b.nextWindow(ctx, service)
		if err != nil {
			return sealed, err
		}
		end := begin + service.UpdatePeriodSeconds - 1
		if end >= b.clock().UTC().Unix() {
			break
		}

		if err := b.sealWindow(ctx, service, nextIndex, begin, end); err != nil {
			return sealed, err
		}
		sealed++
	}
	return sealed, nil
}

// nextWindow determines the index and begin timestamp of the next unsealed
// window: directly after the last sealed record, or the service birth for a
// fresh repository.
func (b *Builder) nextWindow(ctx context.Context, service ServiceRecord) (int64, int64, error) {
	var last UpdateRecord
	err := b.db.WithContext(ctx).
		Where("service_key = ?", service.ServiceKey).
		Order("update_index DESC").
		Take(&last).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, service.BeginSeconds, nil
	}
	if err != nil {
		return 0, 0, newServiceError(opSealUpdates, "index_query_failed", err)
	}
	return last.UpdateIndex + 1, last.EndSeconds + 1, nil
}

// sealWindow builds, stores and indexes the packages for one window. The
// snapshot read takes the service lock so an in-flight commit that stamped
// the last second of the window lands before the snapshot; the lock is
// released for the package-writing phase and re-taken for the index commit.
func (b *Builder) sealWindow(ctx context.Context, service ServiceRecord, updateIndex, begin, end int64) error {
	lock := b.locks.For(service.ServiceKey)
	lock.Lock()
	items, err := b.collectWindow(ctx, service.ServiceKey, begin, end)
	lock.Unlock()
	if err != nil {
		return err
	}

	chunks := chunkItems(items, b.chunkWeight)
	hashes := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		update := content.NewContentUpdate()
		for _, item := range chunk {
			update.AddRow(item.action, item.row)
		}
		pkg := updatePackage{
			ServiceKey:   service.ServiceKey,
			UpdateIndex:  updateIndex,
			PackageIndex: i,
			BeginSeconds: begin,
			EndSeconds:   end,
			Update:       update,
		}
		data, err := json.Marshal(pkg)
		if err != nil {
			return newServiceError(opSealUpdates, "package_marshal_failed", err)
		}
		sum := sha256.Sum256(data)
		hash := hex.EncodeToString(sum[:])
		if err := b.vault.Put(ctx, hash, data); err != nil {
			return newServiceError(opSealUpdates, "package_store_failed", err)
		}
		hashes = append(hashes, hash)
	}

	hashesJSON, err := json.Marshal(hashes)
	if err != nil {
		return newServiceError(opSealUpdates, "hashes_marshal_failed", err)
	}

	lock.Lock()
	defer lock.Unlock()

	record := UpdateRecord{
		ServiceKey:        service.ServiceKey,
		UpdateIndex:       updateIndex,
		BeginSeconds:      begin,
		EndSeconds:        end,
		PackageHashesJSON: string(hashesJSON),
		CreatedAt:         b.clock().UTC().Unix(),
	}
	err = b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&record).Error; err != nil {
			return fmt.Errorf("insert update record: %w", err)
		}
		nextDue := end + service.UpdatePeriodSeconds
		if err := tx.Model(&ServiceRecord{}).
			Where("service_key = ?", service.ServiceKey).
			Update("next_update_due_s", nextDue).Error; err != nil {
			return fmt.Errorf("advance next due: %w", err)
		}
		return nil
	})
	if err != nil {
		b.logError(opSealUpdates, "index_commit_failed", err,
			zap.String("service_key", service.ServiceKey),
			zap.Int64("update_index", updateIndex))
		return newServiceError(opSealUpdates, "index_commit_failed", err)
	}

	b.logger.Info("update window sealed",
		zap.String("service_key", service.ServiceKey),
		zap.Int64("update_index", updateIndex),
		zap.Int64("begin", begin),
		zap.Int64("end", end),
		zap.Int("packages", len(chunks)),
		zap.Int("rows", len(items)))
	return nil
}

// collectWindow reads the rows whose commits or deletions fall inside the
// window, in a stable order so resealing the same window reproduces the
// same packages.
func (b *Builder) collectWindow(ctx context.Context, serviceKey string, begin, end int64) ([]sealItem, error) {
	var items []sealItem

	var mappings []MappingRow
	if err := b.db.WithContext(ctx).
		Where("service_key = ? AND committed_at_s BETWEEN ? AND ?", serviceKey, begin, end).
		Order("tag ASC, hash ASC").
		Find(&mappings).Error; err != nil {
		return nil, newServiceError(opSealUpdates, "mapping_window_failed", err)
	}
	mappingItems, err := groupMappings(mappings, content.ActionAdd)
	if err != nil {
		return nil, err
	}
	items = append(items, mappingItems...)

	var fileAdds []FileRow
	if err := b.db.WithContext(ctx).
		Where("service_key = ? AND committed_at_s BETWEEN ? AND ?", serviceKey, begin, end).
		Order("hash ASC").
		Find(&fileAdds).Error; err != nil {
		return nil, newServiceError(opSealUpdates, "file_window_failed", err)
	}
	fileItems, err := groupFiles(fileAdds, content.ActionAdd)
	if err != nil {
		return nil, err
	}
	items = append(items, fileItems...)

	pairItems, err := b.collectPairs(ctx, serviceKey, "committed_at_s", begin, end, content.ActionAdd)
	if err != nil {
		return nil, err
	}
	items = append(items, pairItems...)

	var mappingDeletes []MappingRow
	if err := b.db.WithContext(ctx).
		Where("service_key = ? AND status = ? AND deleted_at_s BETWEEN ? AND ?", serviceKey, StatusDeleted, begin, end).
		Order("tag ASC, hash ASC").
		Find(&mappingDeletes).Error; err != nil {
		return nil, newServiceError(opSealUpdates, "mapping_window_failed", err)
	}
	mappingDeleteItems, err := groupMappings(mappingDeletes, content.ActionDelete)
	if err != nil {
		return nil, err
	}
	items = append(items, mappingDeleteItems...)

	var fileDeletes []FileRow
	if err := b.db.WithContext(ctx).
		Where("service_key = ? AND status = ? AND deleted_at_s BETWEEN ? AND ?", serviceKey, StatusDeleted, begin, end).
		Order("hash ASC").
		Find(&fileDeletes).Error; err != nil {
		return nil, newServiceError(opSealUpdates, "file_window_failed", err)
	}
	fileDeleteItems, err := groupFiles(fileDeletes, content.ActionDelete)
	if err != nil {
		return nil, err
	}
	items = append(items, fileDeleteItems...)

	pairDeleteItems, err := b.collectDeletedPairs(ctx, serviceKey, begin, end)
	if err != nil {
		return nil, err
	}
	items = append(items, pairDeleteItems...)

	return items, nil
}

func (b *Builder) collectPairs(ctx context.Context, serviceKey, column string, begin, end int64, action content.Action) ([]sealItem, error) {
	var items []sealItem

	var siblings []TagSiblingRow
	if err := b.db.WithContext(ctx).
		Where(fmt.Sprintf("service_key = ? AND %s BETWEEN ? AND ?", column), serviceKey, begin, end).
		Order("old_tag ASC, new_tag ASC").
		Find(&siblings).Error; err != nil {
		return nil, newServiceError(opSealUpdates, "sibling_window_failed", err)
	}
	for _, row := range siblings {
		pair, err := content.NewTagSibling(row.OldTag, row.NewTag)
		if err != nil {
			return nil, newServiceError(opSealUpdates, "sibling_row_invalid", err)
		}
		items = append(items, sealItem{action: action, row: pair})
	}

	var parents []TagParentRow
	if err := b.db.WithContext(ctx).
		Where(fmt.Sprintf("service_key = ? AND %s BETWEEN ? AND ?", column), serviceKey, begin, end).
		Order("child_tag ASC, parent_tag ASC").
		Find(&parents).Error; err != nil {
		return nil, newServiceError(opSealUpdates, "parent_window_failed", err)
	}
	for _, row := range parents {
		pair, err := content.NewTagParent(row.ChildTag, row.ParentTag)
		if err != nil {
			return nil, newServiceError(opSealUpdates, "parent_row_invalid", err)
		}
		items = append(items, sealItem{action: action, row: pair})
	}

	return items, nil
}

func (b *Builder) collectDeletedPairs(ctx context.Context, serviceKey string, begin, end int64) ([]sealItem, error) {
	var items []sealItem

	var siblings []TagSiblingRow
	if err := b.db.WithContext(ctx).
		Where("service_key = ? AND status = ? AND deleted_at_s BETWEEN ? AND ?", serviceKey, StatusDeleted, begin, end).
		Order("old_tag ASC, new_tag ASC").
		Find(&siblings).Error; err != nil {
		return nil, newServiceError(opSealUpdates, "sibling_window_failed", err)
	}
	for _, row := range siblings {
		pair, err := content.NewTagSibling(row.OldTag, row.NewTag)
		if err != nil {
			return nil, newServiceError(opSealUpdates, "sibling_row_invalid", err)
		}
		items = append(items, sealItem{action: content.ActionDelete, row: pair})
	}

	var parents []TagParentRow
	if err := b.db.WithContext(ctx).
		Where("service_key = ? AND status = ? AND deleted_at_s BETWEEN ? AND ?", serviceKey, StatusDeleted, begin, end).
		Order("child_tag ASC, parent_tag ASC").
		Find(&parents).Error; err != nil {
		return nil, newServiceError(opSealUpdates, "parent_window_failed", err)
	}
	for _, row := range parents {
		pair, err := content.NewTagParent(row.ChildTag, row.ParentTag)
		if err != nil {
			return nil, newServiceError(opSealUpdates, "parent_row_invalid", err)
		}
		items = append(items, sealItem{action: content.ActionDelete, row: pair})
	}

	return items, nil
}

// groupMappings folds per-row mapping records into per-tag mappings rows.
// The input is ordered by tag then hash, so the grouping is stable.
func groupMappings(rows []MappingRow, action content.Action) ([]sealItem, error) {
	var items []sealItem
	var tag string
	var hashes []string

	flush := func() error {
		if len(hashes) == 0 {
			return nil
		}
		row, err := content.NewMappings(tag, hashes)
		if err != nil {
			return newServiceError(opSealUpdates, "mapping_row_invalid", err)
		}
		items = append(items, sealItem{action: action, row: row})
		hashes = nil
		return nil
	}

	for _, record := range rows {
		if record.Tag != tag {
			if err := flush(); err != nil {
				return nil, err
			}
			tag = record.Tag
		}
		hashes = append(hashes, record.Hash)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return items, nil
}

func groupFiles(rows []FileRow, action content.Action) ([]sealItem, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	hashes := make([]string, 0, len(rows))
	for _, row := range rows {
		hashes = append(hashes, row.Hash)
	}
	files, err := content.NewFiles(hashes)
	if err != nil {
		return nil, newServiceError(opSealUpdates, "file_row_invalid", err)
	}
	return []sealItem{{action: action, row: files}}, nil
}

// chunkItems packs the window rows into packages of bounded virtual
// weight. Hash-carrying rows split at hash granularity, so one enormous
// tag never produces an oversized package.
func chunkItems(items []sealItem, chunkWeight int) [][]sealItem {
	var pieces []sealItem
	for _, item := range items {
		pieces = append(pieces, splitItem(item, chunkWeight)...)
	}

	chunks := [][]sealItem{nil}
	weight := 0
	for _, piece := range pieces {
		w := piece.row.VirtualWeight()
		if weight > 0 && weight+w > chunkWeight {
			chunks = append(chunks, nil)
			weight = 0
		}
		last := len(chunks) - 1
		chunks[last] = append(chunks[last], piece)
		weight += w
	}
	return chunks
}

// splitItem breaks a hash-carrying row into pieces no heavier than the
// chunk weight. Rows without hash lists pass through unchanged.
func splitItem(item sealItem, chunkWeight int) []sealItem {
	hashes := item.row.Hashes()
	if len(hashes) <= chunkWeight {
		return []sealItem{item}
	}
	switch item.row.Type() {
	case content.TypeMappings, content.TypeFiles:
	default:
		return []sealItem{item}
	}

	var pieces []sealItem
	for start := 0; start < len(hashes); start += chunkWeight {
		stop := start + chunkWeight
		if stop > len(hashes) {
			stop = len(hashes)
		}
		var row content.Content
		var err error
		if item.row.Type() == content.TypeFiles {
			row, err = content.NewFiles(hashes[start:stop])
		} else {
			row, err = content.NewMappings(item.row.Tag(), hashes[start:stop])
		}
		if err != nil {
			// The source row already validated; a slice of it cannot fail.
			continue
		}
		pieces = append(pieces, sealItem{action: item.action, row: row})
	}
	return pieces
}

// MetadataSlice returns every sealed window with an index at or above
// sinceIndex, oldest first. Clients poll with their next unseen index; an
// empty slice means they are up to date.
func (b *Builder) MetadataSlice(ctx context.Context, serviceKey string, sinceIndex int64) ([]UpdateMetadata, error) {
	var records []UpdateRecord
	if err := b.db.WithContext(ctx).
		Where("service_key = ? AND update_index >= ?", serviceKey, sinceIndex).
		Order("update_index ASC").
		Find(&records).Error; err != nil {
		return nil, newServiceError(opMetadataSlice, "query_failed", err)
	}

	slice := make([]UpdateMetadata, 0, len(records))
	for _, record := range records {
		var hashes []string
		if err := json.Unmarshal([]byte(record.PackageHashesJSON), &hashes); err != nil {
			return nil, newServiceError(opMetadataSlice, "hashes_corrupt", err)
		}
		slice = append(slice, UpdateMetadata{
			UpdateIndex:   record.UpdateIndex,
			BeginSeconds:  record.BeginSeconds,
			EndSeconds:    record.EndSeconds,
			PackageHashes: hashes,
		})
	}
	return slice, nil
}

// GetPackage returns the raw bytes of one sealed package file. The hash
// must be referenced by the service's metadata index; vault contents are
// not served blind.
func (b *Builder) GetPackage(ctx context.Context, serviceKey, hash string) ([]byte, error) {
	slice, err := b.MetadataSlice(ctx, serviceKey, 0)
	if err != nil {
		return nil, err
	}
	known := false
	for _, meta := range slice {
		for _, candidate := range meta.PackageHashes {
			if candidate == hash {
				known = true
				break
			}
		}
		if known {
			break
		}
	}
	if !known {
		return nil, apperr.NotFoundf("package %s is not part of service %s", hash, serviceKey)
	}

	data, err := b.vault.Get(ctx, hash)
	if err != nil {
		return nil, newServiceError(opGetPackage, "vault_read_failed", err)
	}
	return data, nil
}

func (b *Builder) logError(operation, reason string, err error, fields ...zap.Field) {
	all := append([]zap.Field{zap.Error(err)}, fields...)
	b.logger.Error(operation+"."+reason, all...)
}
