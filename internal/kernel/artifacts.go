package kernel

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/loomhq/loom/internal/logging"
)

var mimeExtensions = map[string]string{
	"image/png":     "png",
	"image/jpeg":    "jpg",
	"image/gif":     "gif",
	"image/svg+xml": "svg",
	"text/html":     "html",
}

// persistInlineArtifact decodes a base64 display payload and writes it to
// cwd as <name>_image.<ext>. Returns the artifact record.
func persistInlineArtifact(cwd, name, mimeType, content string) (Artifact, error) {
	ext, ok := mimeExtensions[mimeType]
	if !ok {
		return Artifact{}, fmt.Errorf("no file extension for mime type %s", mimeType)
	}

	data, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		// HTML and SVG payloads arrive as plain text.
		data = []byte(content)
	}

	fileName := fmt.Sprintf("%s_image.%s", name, ext)
	if err := os.WriteFile(filepath.Join(cwd, fileName), data, 0o644); err != nil {
		return Artifact{}, fmt.Errorf("persist artifact %s: %w", fileName, err)
	}

	return Artifact{
		Name:         name,
		Type:         artifactType(mimeType),
		MimeType:     mimeType,
		OriginalName: name,
		FileName:     fileName,
	}, nil
}

func artifactType(mimeType string) string {
	if strings.HasPrefix(mimeType, "image/") {
		return "image"
	}
	return "file"
}

// artifactWatcher records files created in the session cwd during one
// execution window.
type artifactWatcher struct {
	watcher *fsnotify.Watcher
	dir     string

	mu      sync.Mutex
	created map[string]struct{}
	done    chan struct{}
}

// watchArtifacts starts recording file creations under dir.
func watchArtifacts(dir string) (*artifactWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}

	aw := &artifactWatcher{
		watcher: w,
		dir:     dir,
		created: make(map[string]struct{}),
		done:    make(chan struct{}),
	}
	go aw.loop()
	return aw, nil
}

func (w *artifactWatcher) loop() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write) {
				w.mu.Lock()
				w.created[filepath.Base(ev.Name)] = struct{}{}
				w.mu.Unlock()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Debug().Err(err).Msg("artifact watcher error")
		}
	}
}

// Stop ends the watch and returns the names of files created, sorted.
func (w *artifactWatcher) Stop() []string {
	w.watcher.Close()
	<-w.done

	w.mu.Lock()
	defer w.mu.Unlock()
	names := make([]string, 0, len(w.created))
	for name := range w.created {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
