// Command ingest parses EPUB files and syncs them into a Marginalia library
// over the internal content sync endpoint. It can also watch a drop directory
// and sync new files as they appear.
package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/fsnotify/fsnotify"
	"github.com/zeebo/blake3"

	"marginalia/api/internal/app"
	"marginalia/api/internal/ingest"
)

var CLI struct {
	URL       string        `help:"Base URL of the Marginalia API." default:"http://localhost:8787" env:"MARGINALIA_API_URL"`
	SyncToken string        `help:"Token for the internal sync endpoints." env:"MARGINALIA_SYNC_TOKEN"`
	Owner     string        `help:"Display name of the reader who owns the documents." default:"Reader" env:"MARGINALIA_OWNER"`
	Timeout   time.Duration `help:"HTTP timeout per request." default:"60s"`

	Sync  SyncCmd  `cmd:"" help:"Parse EPUB files and sync them to the API."`
	Watch WatchCmd `cmd:"" help:"Watch a drop directory and sync EPUBs as they appear."`
}

// SyncCmd ingests the named files once and exits.
type SyncCmd struct {
	Paths      []string `arg:"" type:"existingfile" help:"EPUB files to ingest."`
	DocumentID string   `help:"Sync into an existing document (single file only)."`
}

func (c *SyncCmd) Run() error {
	if c.DocumentID != "" && len(c.Paths) > 1 {
		return fmt.Errorf("--document-id applies to a single file")
	}
	client := newClient()
	for _, path := range c.Paths {
		if err := client.syncFile(path, c.DocumentID); err != nil {
			return fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
	}
	return nil
}

// WatchCmd keeps running and ingests EPUBs dropped into a directory.
type WatchCmd struct {
	Dir      string        `arg:"" type:"existingdir" help:"Directory to watch for EPUB files."`
	Settle   time.Duration `help:"How long a new file must stay quiet before it is ingested." default:"2s"`
	Existing bool          `help:"Also ingest files already in the directory."`
}

func (c *WatchCmd) Run() error {
	client := newClient()

	if c.Existing {
		entries, err := os.ReadDir(c.Dir)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if entry.IsDir() || !watchable(entry.Name()) {
				continue
			}
			client.syncAndReport(filepath.Join(c.Dir, entry.Name()))
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(c.Dir); err != nil {
		return fmt.Errorf("watch %s: %w", c.Dir, err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// A copy into the directory fires several writes per file. Collect paths
	// here and sync the ones that have stayed quiet for the settle period.
	pending := map[string]time.Time{}
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	fmt.Fprintf(os.Stderr, "watching %s\n", c.Dir)
	for {
		select {
		case <-sigCh:
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) {
				continue
			}
			if !watchable(filepath.Base(event.Name)) {
				continue
			}
			pending[event.Name] = time.Now()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(os.Stderr, "watch error: %v\n", err)
		case now := <-ticker.C:
			for path, last := range pending {
				if now.Sub(last) < c.Settle {
					continue
				}
				delete(pending, path)
				if info, err := os.Stat(path); err != nil || info.IsDir() {
					continue
				}
				client.syncAndReport(path)
			}
		}
	}
}

func watchable(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".epub") && !strings.HasPrefix(name, ".")
}

type apiClient struct {
	base  string
	token string
	owner string
	http  *http.Client
}

func newClient() *apiClient {
	return &apiClient{
		base:  strings.TrimRight(CLI.URL, "/"),
		token: CLI.SyncToken,
		owner: CLI.Owner,
		http:  &http.Client{Timeout: CLI.Timeout},
	}
}

// syncFile parses one EPUB, applies its metadata sidecar when present, and
// posts the snapshot to the internal sync endpoint.
func (c *apiClient) syncFile(path, documentID string) error {
	book, err := ingest.OpenBook(path)
	if err != nil {
		return err
	}
	sidecar, err := ingest.LoadSidecar(path)
	if err != nil {
		return err
	}
	sidecar.Apply(&book.Metadata)

	if documentID == "" {
		documentID = stableDocumentID(path)
	}

	input := app.SyncInput{
		DocumentID: documentID,
		Owner:      c.owner,
		Title:      book.Metadata.Title,
		Author:     book.Metadata.Author,
		Language:   book.Metadata.Language,
		Source:     filepath.Base(path),
	}
	if input.Title == "" {
		input.Title = filepath.Base(path)
	}
	for i, chapter := range book.Chapters {
		input.Chapters = append(input.Chapters, app.SyncChapterInput{
			ID:       chapter.ID,
			Title:    chapter.Title,
			Position: i,
			Content:  chapter.Content,
		})
	}

	payload, err := c.post("/api/internal/content/sync", input)
	if err != nil {
		return err
	}
	fmt.Printf("synced %s -> %v revision %v (%d chapters)\n",
		filepath.Base(path), payload["documentId"], payload["revision"], len(book.Chapters))
	return nil
}

func (c *apiClient) syncAndReport(path string) {
	if err := c.syncFile(path, ""); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", filepath.Base(path), err)
	}
}

func (c *apiClient) post(path string, body any) (map[string]any, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, c.base+path, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-sync-token", c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload := map[string]any{}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode >= 300 {
		if msg, ok := payload["error"].(string); ok && msg != "" {
			return nil, fmt.Errorf("api: %s (status %d)", msg, resp.StatusCode)
		}
		return nil, fmt.Errorf("api returned status %d", resp.StatusCode)
	}
	return payload, nil
}

// stableDocumentID derives the document id from the file name, so dropping an
// updated copy of the same book syncs the same document instead of creating a
// sibling.
func stableDocumentID(path string) string {
	base := strings.ToLower(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
	sum := blake3.Sum256([]byte(base))
	return "doc_" + hex.EncodeToString(sum[:])[:12]
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("ingest"),
		kong.Description("Parse EPUB files and sync them into a Marginalia library."),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run())
}
