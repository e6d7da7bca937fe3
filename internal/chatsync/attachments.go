package chatsync

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"time"

	"github.com/alexjbarnes/agri-chat/internal/models"
	"github.com/alexjbarnes/agri-chat/internal/state"
	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/singleflight"
)

const (
	// mediaDirPerm is the permission mode for the media cache.
	mediaDirPerm = fs.FileMode(0o700)

	// mediaFilePerm is the permission mode for cached media files.
	mediaFilePerm = fs.FileMode(0o600)
)

// MediaStore is the remote side of the attachment pipeline.
type MediaStore interface {
	Upload(ctx context.Context, r io.Reader, mimeType string) (string, error)
	Download(ctx context.Context, ref string, w io.Writer) error
}

// Attachments couples media files to message parts. Outbound media is
// copied into the private cache before anything touches the network;
// inbound media is downloaded once per reference and reused after that.
type Attachments struct {
	dir    string
	state  *state.State
	media  MediaStore
	logger *slog.Logger
	group  singleflight.Group
}

// NewAttachments returns a pipeline caching files under dir.
func NewAttachments(dir string, st *state.State, media MediaStore, logger *slog.Logger) *Attachments {
	return &Attachments{
		dir:    dir,
		state:  st,
		media:  media,
		logger: logger,
	}
}

// Stage copies src into the cache and returns a part pointing at the
// copy. The part has a fresh LocalID and no remote reference yet.
func (a *Attachments) Stage(src io.Reader, mimeType string) (models.Part, error) {
	localID := uuid.NewString()
	path := filepath.Join(a.dir, "out", localID+extensionFor(mimeType))

	if err := writeAtomic(path, src); err != nil {
		return models.Part{}, fmt.Errorf("staging attachment: %w", err)
	}

	return models.Part{
		LocalID:        localID,
		MimeType:       mimeType,
		LocalMediaPath: path,
	}, nil
}

// Unstage removes the staged copy of a part that was never uploaded.
// Uploaded parts are left alone: their file is indexed under the remote
// reference.
func (a *Attachments) Unstage(part models.Part) error {
	if part.LocalMediaPath == "" || part.RemoteMediaRef != "" {
		return nil
	}

	if filepath.Dir(part.LocalMediaPath) != filepath.Join(a.dir, "out") {
		return fmt.Errorf("unstaging part %s: not a staged file", part.LocalID)
	}

	if err := os.Remove(part.LocalMediaPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing staged attachment: %w", err)
	}

	return nil
}

// Upload sends a staged part to the media service. On success the
// returned part carries the remote reference, which is also recorded on
// the stored message part with the same LocalID and in the media index.
// On failure the part is returned unchanged with the error.
func (a *Attachments) Upload(ctx context.Context, part models.Part) (models.Part, error) {
	if part.LocalMediaPath == "" {
		return part, fmt.Errorf("uploading part %s: not staged", part.LocalID)
	}

	f, err := os.Open(part.LocalMediaPath)
	if err != nil {
		return part, fmt.Errorf("opening staged attachment: %w", err)
	}
	defer f.Close()

	ref, err := a.media.Upload(ctx, f, part.MimeType)
	if err != nil {
		return part, fmt.Errorf("uploading part %s: %w", part.LocalID, err)
	}

	part.RemoteMediaRef = ref

	if _, err := a.state.AttachRemoteRef(part.LocalID, ref); err != nil {
		return part, fmt.Errorf("recording remote ref: %w", err)
	}

	// Our own upload never needs downloading.
	if err := a.state.PutMedia(models.MediaRecord{
		RemoteRef: ref,
		LocalPath: part.LocalMediaPath,
		MimeType:  part.MimeType,
		StoredAt:  time.Now(),
	}); err != nil {
		a.logger.Warn("indexing uploaded media", slog.String("ref", ref), slog.String("error", err.Error()))
	}

	a.logger.Debug("attachment uploaded", slog.String("local_id", part.LocalID), slog.String("ref", ref))

	return part, nil
}

// Resolve returns a local file holding the media behind ref, downloading
// it only if no cached copy exists. Concurrent calls for the same ref
// share one download.
func (a *Attachments) Resolve(ctx context.Context, ref, mimeType string) (string, error) {
	if path, ok := a.cached(ref); ok {
		return path, nil
	}

	v, err, _ := a.group.Do(ref, func() (any, error) {
		if path, ok := a.cached(ref); ok {
			return path, nil
		}

		return a.download(ctx, ref, mimeType)
	})
	if err != nil {
		return "", err
	}

	return v.(string), nil
}

func (a *Attachments) cached(ref string) (string, bool) {
	rec, err := a.state.GetMedia(ref)
	if err != nil || rec == nil {
		return "", false
	}

	if _, err := os.Stat(rec.LocalPath); err != nil {
		// The file went away; forget it so the next fetch re-indexes.
		if err := a.state.DeleteMedia(ref); err != nil {
			a.logger.Warn("dropping stale media record", slog.String("ref", ref), slog.String("error", err.Error()))
		}

		return "", false
	}

	return rec.LocalPath, true
}

func (a *Attachments) download(ctx context.Context, ref, mimeType string) (string, error) {
	path := filepath.Join(a.dir, "in", mediaFileName(ref)+extensionFor(mimeType))

	pr, pw := io.Pipe()

	go func() {
		pw.CloseWithError(a.media.Download(ctx, ref, pw))
	}()

	if err := writeAtomic(path, pr); err != nil {
		pr.CloseWithError(err)
		return "", fmt.Errorf("fetching media %s: %w", ref, err)
	}

	if err := a.state.PutMedia(models.MediaRecord{
		RemoteRef: ref,
		LocalPath: path,
		MimeType:  mimeType,
		StoredAt:  time.Now(),
	}); err != nil {
		return "", fmt.Errorf("indexing media %s: %w", ref, err)
	}

	a.logger.Debug("media downloaded", slog.String("ref", ref), slog.String("path", path))

	return path, nil
}

// mediaFileName derives a stable, filesystem-safe name from a remote
// reference.
func mediaFileName(ref string) string {
	sum := blake2b.Sum256([]byte(ref))
	return hex.EncodeToString(sum[:16])
}

func extensionFor(mimeType string) string {
	exts, err := mime.ExtensionsByType(mimeType)
	if err != nil || len(exts) == 0 {
		return ".bin"
	}

	return exts[0]
}

// writeAtomic copies r into path through a temp file in the same
// directory, so a partial copy is never visible under path.
func writeAtomic(path string, r io.Reader) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, mediaDirPerm); err != nil {
		return fmt.Errorf("creating media dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		cleanup()

		return fmt.Errorf("writing media: %w", err)
	}

	if err := tmp.Chmod(mediaFilePerm); err != nil && !errors.Is(err, errors.ErrUnsupported) {
		tmp.Close()
		cleanup()

		return fmt.Errorf("setting media permissions: %w", err)
	}

	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("closing media file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("renaming media file: %w", err)
	}

	return nil
}
