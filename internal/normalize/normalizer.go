// Package normalize maps adapter-shaped raw items into canonical content
// records and decides whether a record is new, a duplicate, or a refresh.
package normalize

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/arenalab/collection-core/internal/arena"
	"github.com/arenalab/collection-core/internal/hash/sha256"
)

// FieldHints declares, per canonical field, the ordered candidate key names
// an adapter's payload may use. The same extraction core serves providers
// with different naming conventions; per-provider knowledge stays in the
// adapter that builds the hints.
type FieldHints struct {
	// IDKeys locate the provider's native ID.
	IDKeys []string
	// DerivedIDKeys is the stable field combination hashed into a
	// deterministic platform_id when no native ID exists (search-result
	// rankings and similar). Order matters and must not change across runs.
	DerivedIDKeys []string
	TextKeys      []string
	TitleKeys     []string
	URLKeys       []string
	LanguageKeys  []string
	PublishedKeys []string
	AuthorKeys    []string
	MediaKeys     []string
	LikesKeys     []string
	SharesKeys    []string
	CommentsKeys  []string
	ViewsKeys     []string
	// ContentType labels every record this adapter produces ("post",
	// "comment", "video", ...).
	ContentType string
}

// Normalizer is the generic extraction core. One instance serves one adapter;
// Normalize is pure apart from stamping CollectedAt.
type Normalizer struct {
	key    arena.Key
	hints  FieldHints
	hasher *sha256.Hasher
	clock  arena.Clock
}

// New builds a Normalizer for the adapter identified by key.
func New(key arena.Key, hints FieldHints, clock arena.Clock) *Normalizer {
	return &Normalizer{
		key:    key,
		hints:  hints,
		hasher: sha256.New(),
		clock:  clock,
	}
}

// Normalize maps one raw item into a ContentRecord. Missing fields become
// nil pointers, never empty strings; null and empty-but-present stay
// distinguishable downstream.
func (n *Normalizer) Normalize(item arena.RawItem) (arena.ContentRecord, error) {
	rec := arena.ContentRecord{
		Platform:    n.key.Platform,
		Arena:       n.key.Arena,
		ContentType: n.hints.ContentType,
		CollectedAt: n.clock.Now().UTC(),
		RawMetadata: item.Fields,
	}

	rec.TextContent = firstString(item.Fields, n.hints.TextKeys)
	rec.Title = firstString(item.Fields, n.hints.TitleKeys)
	rec.URL = firstString(item.Fields, n.hints.URLKeys)
	rec.Language = firstString(item.Fields, n.hints.LanguageKeys)
	rec.PublishedAt = firstTime(item.Fields, n.hints.PublishedKeys)
	rec.MediaURLs = mediaURLs(item.Fields, n.hints.MediaKeys)
	rec.Engagement = arena.Engagement{
		Likes:    firstInt64(item.Fields, n.hints.LikesKeys),
		Shares:   firstInt64(item.Fields, n.hints.SharesKeys),
		Comments: firstInt64(item.Fields, n.hints.CommentsKeys),
		Views:    firstInt64(item.Fields, n.hints.ViewsKeys),
	}

	if author := firstString(item.Fields, n.hints.AuthorKeys); author != nil {
		digest, err := n.hasher.Hash([]byte(*author))
		if err != nil {
			return arena.ContentRecord{}, fmt.Errorf("hash author: %w", err)
		}
		rec.AuthorHash = &digest
	}

	id, err := n.platformID(item)
	if err != nil {
		return arena.ContentRecord{}, err
	}
	rec.PlatformID = id

	contentHash, simhash, err := n.contentHash(rec)
	if err != nil {
		return arena.ContentRecord{}, err
	}
	rec.ContentHash = contentHash
	rec.Simhash = simhash

	return rec, nil
}

// platformID prefers the provider's native ID and falls back to a
// deterministic digest of the declared stable field combination.
func (n *Normalizer) platformID(item arena.RawItem) (string, error) {
	if id := firstString(item.Fields, n.hints.IDKeys); id != nil {
		return *id, nil
	}
	if len(n.hints.DerivedIDKeys) == 0 {
		return "", fmt.Errorf("item for %s has no native id and no derived-id keys", n.key)
	}
	parts := make([]string, 0, len(n.hints.DerivedIDKeys))
	for _, key := range n.hints.DerivedIDKeys {
		if v := stringValue(item.Fields[key]); v != nil {
			parts = append(parts, key+"="+*v)
		}
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("item for %s carries none of the derived-id fields %v", n.key, n.hints.DerivedIDKeys)
	}
	digest, err := n.hasher.Hash([]byte(strings.Join(parts, "\x1f")))
	if err != nil {
		return "", fmt.Errorf("derive platform id: %w", err)
	}
	return digest, nil
}

// contentHash digests the whitespace-normalized lowercased text, else the
// URL. The simhash fingerprint is computed from the same normalized text.
func (n *Normalizer) contentHash(rec arena.ContentRecord) (string, uint64, error) {
	var sim uint64
	var basis string
	if rec.TextContent != nil {
		if text := NormalizeText(*rec.TextContent); text != "" {
			basis = text
			sim = Simhash(text)
		}
	}
	if basis == "" && rec.URL != nil && *rec.URL != "" {
		basis = *rec.URL
	}
	if basis == "" {
		return "", 0, fmt.Errorf("item %s/%s has neither text content nor url", rec.Platform, rec.PlatformID)
	}
	digest, err := n.hasher.Hash([]byte(basis))
	if err != nil {
		return "", 0, fmt.Errorf("hash content: %w", err)
	}
	return digest, sim, nil
}

// NormalizeText lowercases and collapses all whitespace runs to single
// spaces so cosmetic differences never defeat exact-hash dedup.
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func firstString(fields map[string]any, keys []string) *string {
	for _, key := range keys {
		if v := stringValue(fields[key]); v != nil {
			return v
		}
	}
	return nil
}

// stringValue coerces the JSON-decoded scalar shapes providers actually
// send. Empty strings count as present but are not usable values.
func stringValue(v any) *string {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return &t
	case float64:
		s := strconv.FormatFloat(t, 'f', -1, 64)
		return &s
	case int:
		s := strconv.Itoa(t)
		return &s
	case int64:
		s := strconv.FormatInt(t, 10)
		return &s
	default:
		return nil
	}
}

func firstInt64(fields map[string]any, keys []string) *int64 {
	for _, key := range keys {
		switch t := fields[key].(type) {
		case float64:
			n := int64(t)
			return &n
		case int:
			n := int64(t)
			return &n
		case int64:
			n := t
			return &n
		case string:
			if n, err := strconv.ParseInt(t, 10, 64); err == nil {
				return &n
			}
		}
	}
	return nil
}

func firstTime(fields map[string]any, keys []string) *time.Time {
	for _, key := range keys {
		switch t := fields[key].(type) {
		case time.Time:
			u := t.UTC()
			return &u
		case string:
			if ts, err := time.Parse(time.RFC3339, t); err == nil {
				u := ts.UTC()
				return &u
			}
		case float64:
			u := time.Unix(int64(t), 0).UTC()
			return &u
		case int64:
			u := time.Unix(t, 0).UTC()
			return &u
		}
	}
	return nil
}

func mediaURLs(fields map[string]any, keys []string) []string {
	var urls []string
	for _, key := range keys {
		switch t := fields[key].(type) {
		case string:
			if t != "" {
				urls = append(urls, t)
			}
		case []string:
			for _, u := range t {
				if u != "" {
					urls = append(urls, u)
				}
			}
		case []any:
			for _, v := range t {
				if s, ok := v.(string); ok && s != "" {
					urls = append(urls, s)
				}
			}
		}
	}
	return urls
}
