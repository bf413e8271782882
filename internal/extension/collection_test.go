package extension

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/convobuild/extensions/internal/web"
)

type fakeStorage struct{}

func (fakeStorage) ReadFile(context.Context, string) ([]byte, error) { return nil, nil }
func (fakeStorage) WriteFile(context.Context, string, []byte) error  { return nil }
func (fakeStorage) List(context.Context, string) ([]string, error)   { return nil, nil }
func (fakeStorage) Delete(context.Context, string) error             { return nil }

func TestCollectionSetStorageOnce(t *testing.T) {
	c := NewCollection()

	if err := c.SetStorage(fakeStorage{}); err != nil {
		t.Fatalf("first SetStorage: %v", err)
	}
	if err := c.SetStorage(fakeStorage{}); !errors.Is(err, ErrStorageAlreadySet) {
		t.Errorf("second SetStorage = %v, want ErrStorageAlreadySet", err)
	}
	if c.Storage() == nil {
		t.Error("Storage() = nil after successful registration")
	}
}

func TestCollectionPublishLastWriteWins(t *testing.T) {
	c := NewCollection()

	c.SetPublishMethod("azure", PublishMethod{Descriptor: PublishDescriptor{Name: "azure", Description: "first"}})
	c.SetPublishMethod("azure", PublishMethod{Descriptor: PublishDescriptor{Name: "azure", Description: "second"}})

	m, ok := c.PublishMethod("azure")
	if !ok {
		t.Fatal("publish method not found")
	}
	if m.Descriptor.Description != "second" {
		t.Errorf("Description = %q, want %q (last write must win)", m.Descriptor.Description, "second")
	}
	if got := len(c.PublishMethods()); got != 1 {
		t.Errorf("PublishMethods count = %d, want 1", got)
	}
}

func TestCollectionDuplicateRuntimeKeyRejected(t *testing.T) {
	c := NewCollection()

	if err := c.AddRuntimeTemplate(RuntimeTemplate{Key: "node", Name: "Node"}); err != nil {
		t.Fatalf("first AddRuntimeTemplate: %v", err)
	}
	err := c.AddRuntimeTemplate(RuntimeTemplate{Key: "node", Name: "Other Node"})
	if !errors.Is(err, ErrDuplicateRuntime) {
		t.Errorf("duplicate AddRuntimeTemplate = %v, want ErrDuplicateRuntime", err)
	}

	got, err := c.Runtime("node")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "Node" {
		t.Errorf("Runtime(node).Name = %q, want the first registrant", got.Name)
	}
}

func TestCollectionRuntimeByProject(t *testing.T) {
	c := NewCollection()
	if err := c.AddRuntimeTemplate(RuntimeTemplate{Key: DefaultRuntimeKey, Name: "Default"}); err != nil {
		t.Fatal(err)
	}
	if err := c.AddRuntimeTemplate(RuntimeTemplate{Key: "node-express", Name: "Node"}); err != nil {
		t.Fatal(err)
	}

	// No runtime key on the project: fall back to the default.
	got, err := c.RuntimeByProject(&BotProject{ID: "p1"})
	if err != nil {
		t.Fatal(err)
	}
	if got.Key != DefaultRuntimeKey {
		t.Errorf("Key = %q, want %q", got.Key, DefaultRuntimeKey)
	}

	got, err = c.RuntimeByProject(&BotProject{ID: "p2", RuntimeKey: "node-express"})
	if err != nil {
		t.Fatal(err)
	}
	if got.Key != "node-express" {
		t.Errorf("Key = %q, want %q", got.Key, "node-express")
	}

	_, err = c.RuntimeByProject(&BotProject{ID: "p3", RuntimeKey: "cobol"})
	if !errors.Is(err, ErrRuntimeNotAvailable) {
		t.Errorf("missing runtime = %v, want ErrRuntimeNotAvailable", err)
	}
}

func TestCollectionRuntimeErrorNamesKey(t *testing.T) {
	c := NewCollection()
	_, err := c.Runtime("missing-runtime")
	if err == nil || !errors.Is(err, ErrRuntimeNotAvailable) {
		t.Fatalf("Runtime(missing) = %v, want ErrRuntimeNotAvailable", err)
	}
	if got := err.Error(); !strings.Contains(got, "missing-runtime") {
		t.Errorf("error %q does not name the missing key", got)
	}
}

func TestCollectionAllowListSeededWithLogin(t *testing.T) {
	c := NewCollection()

	urls := c.AllowedURLs()
	if len(urls) != 1 || urls[0] != web.LoginURL {
		t.Fatalf("AllowedURLs = %v, want just %q", urls, web.LoginURL)
	}
	if !c.IsAllowedURL(web.LoginURL) {
		t.Error("login URL must always be allowed")
	}
}

func TestCollectionAllowListDedup(t *testing.T) {
	c := NewCollection()

	c.AddAllowedURL("/health")
	c.AddAllowedURL("/health")
	c.AddAllowedURL("/api/public/*")

	urls := c.AllowedURLs()
	if len(urls) != 3 {
		t.Fatalf("AllowedURLs = %v, want 3 entries (login + 2 unique)", urls)
	}

	if !c.IsAllowedURL("/health") {
		t.Error("exact allow-list entry not matched")
	}
	if !c.IsAllowedURL("/api/public/docs") {
		t.Error("glob allow-list entry not matched")
	}
	if c.IsAllowedURL("/api/private") {
		t.Error("unlisted path matched the allow-list")
	}
}

func TestCollectionUserSerializerDefaults(t *testing.T) {
	c := NewCollection()

	serialize, deserialize := c.UserSerializers()
	data, err := serialize(map[string]any{"name": "ada"})
	if err != nil {
		t.Fatalf("default serializer: %v", err)
	}
	user, err := deserialize(data)
	if err != nil {
		t.Fatalf("default deserializer: %v", err)
	}
	m, ok := user.(map[string]any)
	if !ok || m["name"] != "ada" {
		t.Errorf("round trip through defaults = %#v, want name=ada", user)
	}
}
