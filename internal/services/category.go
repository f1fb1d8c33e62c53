package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"famledger/internal/cache"
	"famledger/internal/core"
	"famledger/internal/log"
)

const categoryCacheSize = 512

// CategoryResolver finds the category debt transactions are filed under and
// manages the reserved per-direction categories.
type CategoryResolver struct {
	deps  Deps
	cache cache.Cache[string]
}

// NewCategoryResolver caches resolutions for ttl. A zero ttl disables
// caching in practice since entries expire immediately.
func NewCategoryResolver(deps Deps, ttl time.Duration) *CategoryResolver {
	return NewCategoryResolverWithCache(deps, cache.NewLRUCache[string](categoryCacheSize, ttl))
}

func NewCategoryResolverWithCache(deps Deps, c cache.Cache[string]) *CategoryResolver {
	return &CategoryResolver{deps: deps.withDefaults(log.ComponentCategory), cache: c}
}

// DefaultDebtCategory returns the category id for debt transactions in the
// given direction. The reserved system category wins, then a default-flagged
// category with the well-known name, then the oldest category with that
// name. No match is not an error: the id is empty.
func (r *CategoryResolver) DefaultDebtCategory(ctx context.Context, familyID string, direction core.DebtDirection) (string, error) {
	key := cacheKey(familyID, direction.SystemKey())
	if id, ok := r.cache.Get(key); ok {
		return id, nil
	}

	id, err := r.resolve(ctx, familyID, direction)
	if err != nil {
		return "", err
	}
	r.cache.Set(key, id)
	return id, nil
}

func (r *CategoryResolver) resolve(ctx context.Context, familyID string, direction core.DebtDirection) (string, error) {
	gw := r.deps.Gateway

	c, err := gw.FindCategoryBySystemKey(ctx, familyID, direction.SystemKey())
	if err == nil {
		return c.ID, nil
	}
	if !errors.Is(err, core.ErrNotFound) {
		return "", fmt.Errorf("find system category: %w", err)
	}

	matches, err := gw.FindCategoriesByName(ctx, familyID, direction.DefaultCategoryName())
	if err != nil {
		return "", fmt.Errorf("find category by name: %w", err)
	}
	for _, m := range matches {
		if m.IsDefault {
			return m.ID, nil
		}
	}
	if len(matches) > 0 {
		if len(matches) > 1 {
			r.deps.Logger.WarnContext(ctx, "Several categories share the debt category name, using the oldest",
				log.FieldFamilyID, familyID,
				"name", direction.DefaultCategoryName(),
				"matches", len(matches))
		}
		return matches[0].ID, nil
	}

	r.deps.Logger.DebugContext(ctx, "No debt category found",
		log.FieldFamilyID, familyID,
		"direction", direction)
	return "", nil
}

// EnsureSystemCategories creates the reserved debt categories of a family if
// they do not exist yet. It is safe to call repeatedly and concurrently.
func (r *CategoryResolver) EnsureSystemCategories(ctx context.Context, familyID string) ([]core.Category, error) {
	if strings.TrimSpace(familyID) == "" {
		return nil, core.NewValidationError("family_id", "required")
	}
	gw := r.deps.Gateway
	defer r.cache.DeletePrefix(familyID + "/")

	var out []core.Category
	for _, direction := range []core.DebtDirection{core.ToPay, core.ToReceive} {
		existing, err := gw.FindCategoryBySystemKey(ctx, familyID, direction.SystemKey())
		if err == nil {
			out = append(out, existing)
			continue
		}
		if !errors.Is(err, core.ErrNotFound) {
			return nil, fmt.Errorf("find system category: %w", err)
		}

		created, err := gw.CreateCategory(ctx, core.Category{
			FamilyID:  familyID,
			Name:      direction.DefaultCategoryName(),
			IsDefault: true,
			SystemKey: direction.SystemKey(),
		})
		if errors.Is(err, core.ErrConflict) {
			// Lost a race with another setup call.
			created, err = gw.FindCategoryBySystemKey(ctx, familyID, direction.SystemKey())
		}
		if err != nil {
			return nil, fmt.Errorf("create system category %s: %w", direction.SystemKey(), err)
		}
		r.deps.Logger.InfoContext(ctx, "System category created",
			log.FieldFamilyID, familyID,
			log.FieldCategoryID, created.ID,
			"system_key", created.SystemKey)
		out = append(out, created)
	}
	return out, nil
}

// CreateCategory adds a user category. System keys are reserved.
func (r *CategoryResolver) CreateCategory(ctx context.Context, c core.Category) (core.Category, error) {
	c.Name = strings.TrimSpace(c.Name)
	if c.SystemKey != "" {
		return core.Category{}, core.NewValidationError("system_key", "reserved for system categories")
	}
	if err := c.Validate(); err != nil {
		return core.Category{}, err
	}

	created, err := r.deps.Gateway.CreateCategory(ctx, c)
	if err != nil {
		return core.Category{}, fmt.Errorf("create category: %w", err)
	}
	// A new name match can change what the fallback resolves to.
	r.cache.DeletePrefix(c.FamilyID + "/")
	return created, nil
}

func (r *CategoryResolver) ListCategories(ctx context.Context, familyID string) ([]core.Category, error) {
	return r.deps.Gateway.ListCategories(ctx, familyID)
}

func cacheKey(familyID, systemKey string) string {
	return familyID + "/" + systemKey
}
