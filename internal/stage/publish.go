package stage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"docket/internal/fileutil"
	"docket/internal/logging"
	"docket/internal/queue"
	"docket/internal/services"
	"docket/internal/textutil"
)

const (
	// IndexFileName is the catalog of published transcripts at the root of
	// the transcripts directory.
	IndexFileName = "index.json"
	indexLockName = ".index.lock"
)

// IndexEntry is one published hearing in index.json. Republishing a hearing
// replaces its entry.
type IndexEntry struct {
	HearingID      string    `json:"hearing_id"`
	CommitteeKey   string    `json:"committee_key"`
	CommitteeName  string    `json:"committee_name"`
	HearingDate    string    `json:"hearing_date"`
	Title          string    `json:"title"`
	PublishVersion int       `json:"publish_version"`
	TranscriptPath string    `json:"transcript_path"`
	PublishedAt    time.Time `json:"published_at"`
}

type publishMeta struct {
	IndexEntry
	SourceID string         `json:"source_id"`
	Extra    map[string]any `json:"checkpoint,omitempty"`
}

// PublishHandler writes the final transcript artifact for a hearing:
// <root>/<committee>/<date>_<id>/transcript.txt plus meta.json, then updates
// index.json. The prior (normalize) checkpoint must carry transcript_text or
// transcript_file.
type PublishHandler struct {
	root   string
	now    func() time.Time
	logger *slog.Logger
}

// NewPublishHandler builds a handler writing under root.
func NewPublishHandler(root string, logger *slog.Logger) *PublishHandler {
	return &PublishHandler{
		root:   root,
		now:    time.Now,
		logger: logging.NewComponentLogger(logger, "publish"),
	}
}

// Run publishes the transcript and returns its location as the checkpoint.
func (h *PublishHandler) Run(ctx context.Context, in Input) (Checkpoint, error) {
	name := string(queue.StagePublish)
	prior, err := DecodeCheckpoint(name, in.Prior)
	if err != nil {
		return nil, err
	}
	text, err := transcriptText(prior)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, services.Wrap(services.ErrTransient, name, "publish", "cancelled", err)
	}

	dir := filepath.Join(h.root, textutil.PathToken(in.Hearing.CommitteeKey), artifactDirName(in.Hearing))
	transcriptPath := filepath.Join(dir, "transcript.txt")
	if err := fileutil.WriteFileAtomic(transcriptPath, []byte(text), 0o644); err != nil {
		return nil, services.Wrap(services.ErrTransient, name, "write transcript", transcriptPath, err)
	}

	entry := IndexEntry{
		HearingID:      in.Hearing.ID,
		CommitteeKey:   in.Hearing.CommitteeKey,
		CommitteeName:  textutil.CommitteeName(in.Hearing.CommitteeKey),
		HearingDate:    in.Hearing.HearingDate,
		Title:          in.Hearing.Title,
		PublishVersion: in.PublishVersion,
		TranscriptPath: transcriptPath,
		PublishedAt:    h.now().UTC(),
	}
	delete(prior, "transcript_text")
	meta, err := json.MarshalIndent(publishMeta{IndexEntry: entry, SourceID: in.Hearing.SourceID, Extra: prior}, "", "  ")
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, name, "encode meta", "", err)
	}
	metaPath := filepath.Join(dir, "meta.json")
	if err := fileutil.WriteFileAtomic(metaPath, meta, 0o644); err != nil {
		return nil, services.Wrap(services.ErrTransient, name, "write meta", metaPath, err)
	}

	if err := h.updateIndex(ctx, entry); err != nil {
		return nil, services.Wrap(services.ErrTransient, name, "update index", "", err)
	}

	h.logger.Info("transcript published",
		logging.String(logging.FieldEventType, "transcript_published"),
		logging.String(logging.FieldHearingID, in.Hearing.ID),
		logging.Int("publish_version", in.PublishVersion),
		logging.String("transcript_path", transcriptPath),
	)

	return json.Marshal(map[string]any{
		"transcript_path": transcriptPath,
		"meta_path":       metaPath,
		"publish_version": in.PublishVersion,
	})
}

// HealthCheck reports whether the transcripts directory is usable.
func (h *PublishHandler) HealthCheck(context.Context) Health {
	if strings.TrimSpace(h.root) == "" {
		return Unhealthy(queue.StagePublish, "publish", "transcripts directory not configured")
	}
	if err := os.MkdirAll(h.root, 0o755); err != nil {
		return Unhealthy(queue.StagePublish, "publish", err.Error())
	}
	return Healthy(queue.StagePublish, "publish")
}

// updateIndex rewrites index.json under an exclusive file lock so concurrent
// publishers in other processes do not lose each other's entries.
func (h *PublishHandler) updateIndex(ctx context.Context, entry IndexEntry) error {
	if err := os.MkdirAll(h.root, 0o755); err != nil {
		return err
	}
	lock := flock.New(filepath.Join(h.root, indexLockName))
	locked, err := lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("lock index: %w", err)
	}
	if !locked {
		return errors.New("lock index: not acquired")
	}
	defer func() { _ = lock.Unlock() }()

	entries, err := ReadIndex(h.root)
	if err != nil {
		return err
	}
	replaced := false
	for i := range entries {
		if entries[i].HearingID == entry.HearingID {
			entries[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		entries = append(entries, entry)
	}
	sortIndex(entries)

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	return fileutil.WriteFileAtomic(filepath.Join(h.root, IndexFileName), data, 0o644)
}

// ReadIndex loads index.json from the transcripts directory. A missing index
// is an empty catalog.
func ReadIndex(root string) ([]IndexEntry, error) {
	data, err := os.ReadFile(filepath.Join(root, IndexFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}
	var entries []IndexEntry
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse index: %w", err)
	}
	sortIndex(entries)
	return entries, nil
}

func sortIndex(entries []IndexEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].HearingDate != entries[j].HearingDate {
			return entries[i].HearingDate > entries[j].HearingDate
		}
		if entries[i].CommitteeKey != entries[j].CommitteeKey {
			return entries[i].CommitteeKey < entries[j].CommitteeKey
		}
		return entries[i].HearingID < entries[j].HearingID
	})
}

func artifactDirName(h queue.Hearing) string {
	date := textutil.PathToken(h.HearingDate)
	if date == "unknown" {
		date = "undated"
	}
	id := h.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return date + "_" + id
}

func transcriptText(prior map[string]any) (string, error) {
	name := string(queue.StagePublish)
	if text, ok := prior["transcript_text"].(string); ok && strings.TrimSpace(text) != "" {
		return text, nil
	}
	path, _ := prior["transcript_file"].(string)
	if strings.TrimSpace(path) == "" {
		return "", services.Wrap(services.ErrValidation, name, "read transcript",
			"prior checkpoint has neither transcript_text nor transcript_file", nil)
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", services.Wrap(services.ErrValidation, name, "read transcript", "transcript_file does not exist: "+path, err)
	}
	if err != nil {
		return "", services.Wrap(services.ErrTransient, name, "read transcript", path, err)
	}
	return string(data), nil
}
