// Package npm shells out to a Node-style package manager for remote
// extension install, removal, and search.
//
// Every invocation spawns a child process, captures stdout and stderr in
// full before returning, and maps failures (non-zero exit, or stderr output
// on install/uninstall) to an *Error carrying the captured stderr text.
// Streaming output is never parsed for control decisions.
package npm

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// DefaultCommand is the package manager binary used when none is configured.
const DefaultCommand = "npm"

// Error is a failed package-manager invocation.
type Error struct {
	Op     string // "install", "uninstall", "search"
	Stderr string
	Err    error
}

func (e *Error) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("npm %s failed: %s", e.Op, e.Stderr)
	}
	return fmt.Sprintf("npm %s failed: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// SearchEntry is one package returned by Search.
type SearchEntry struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description"`
	Keywords    []string `json:"keywords"`
	URL         string   `json:"url"`
}

// Client runs package-manager commands.
type Client struct {
	command string
	log     *zap.Logger
}

// NewClient creates a Client for the given binary name. An empty command
// falls back to DefaultCommand; a nil logger is replaced with a no-op.
func NewClient(command string, log *zap.Logger) *Client {
	if command == "" {
		command = DefaultCommand
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{command: command, log: log}
}

// Install installs pkg (optionally pinned to version) into dir. The package
// lands under dir/node_modules/<pkg>.
func (c *Client) Install(ctx context.Context, dir, pkg, version string) error {
	spec := pkg
	if version != "" {
		spec = pkg + "@" + version
	}

	_, stderr, err := c.run(ctx, dir, "install", spec, "--no-audit", "--no-fund", "--prefix", dir)
	if err != nil {
		return &Error{Op: "install", Stderr: string(stderr), Err: err}
	}
	// npm reports network and resolution trouble on stderr even when it
	// exits zero; an install that produced stderr output is not trusted.
	if len(bytes.TrimSpace(stderr)) > 0 {
		return &Error{Op: "install", Stderr: string(stderr), Err: fmt.Errorf("install of %s reported errors", spec)}
	}
	return nil
}

// Uninstall removes pkg from dir.
func (c *Client) Uninstall(ctx context.Context, dir, pkg string) error {
	_, stderr, err := c.run(ctx, dir, "uninstall", pkg, "--prefix", dir)
	if err != nil {
		return &Error{Op: "uninstall", Stderr: string(stderr), Err: err}
	}
	if len(bytes.TrimSpace(stderr)) > 0 {
		return &Error{Op: "uninstall", Stderr: string(stderr), Err: fmt.Errorf("uninstall of %s reported errors", pkg)}
	}
	return nil
}

// Search queries the registry and returns the parsed results.
func (c *Client) Search(ctx context.Context, query string) ([]SearchEntry, error) {
	stdout, stderr, err := c.run(ctx, "", "search", query, "--json")
	if err != nil {
		return nil, &Error{Op: "search", Stderr: string(stderr), Err: err}
	}
	return parseSearchOutput(stdout), nil
}

// parseSearchOutput reads the JSON array printed by `npm search --json`.
// Entries that are not objects are skipped; a non-array document yields an
// empty result rather than an error, since registry output drifts between
// npm versions.
func parseSearchOutput(out []byte) []SearchEntry {
	doc := gjson.ParseBytes(out)
	if !doc.IsArray() {
		return nil
	}

	var entries []SearchEntry
	for _, item := range doc.Array() {
		if !item.IsObject() {
			continue
		}
		entry := SearchEntry{
			Name:        item.Get("name").String(),
			Version:     item.Get("version").String(),
			Description: item.Get("description").String(),
			URL:         item.Get("links.npm").String(),
		}
		for _, kw := range item.Get("keywords").Array() {
			entry.Keywords = append(entry.Keywords, kw.String())
		}
		if entry.Name != "" {
			entries = append(entries, entry)
		}
	}
	return entries
}

// run executes the package manager with the given args, returning captured
// stdout and stderr. dir may be empty for operations with no working
// directory.
func (c *Client) run(ctx context.Context, dir string, args ...string) (stdout, stderr []byte, err error) {
	cmd := exec.CommandContext(ctx, c.command, args...)
	if dir != "" {
		cmd.Dir = dir
	}

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	c.log.Debug("running package manager", zap.String("command", c.command), zap.Strings("args", args))
	err = cmd.Run()
	return outBuf.Bytes(), errBuf.Bytes(), err
}
