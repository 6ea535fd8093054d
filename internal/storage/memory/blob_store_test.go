package memory

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "site/page.xml", "application/xml", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	if uri != "memory://site/page.xml" {
		t.Fatalf("unexpected uri %s", uri)
	}
	payload[0] = 'C'

	obj, ok := store.Get("site/page.xml")
	if !ok {
		t.Fatal("object not stored")
	}
	if string(obj.Data) != "content" || obj.ContentType != "application/xml" {
		t.Fatalf("unexpected object %+v", obj)
	}
	obj.Data[0] = 'X'
	if again, _ := store.Get("site/page.xml"); string(again.Data) != "content" {
		t.Fatalf("Get returned shared storage, got %q", again.Data)
	}
}

func TestBlobStorePaths(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	for _, p := range []string{"b.json", "a.jpg"} {
		if _, err := store.PutObject(context.Background(), p, "", strings.NewReader("x")); err != nil {
			t.Fatalf("PutObject(%s) error = %v", p, err)
		}
	}
	got := store.Paths()
	if len(got) != 2 || got[0] != "a.jpg" || got[1] != "b.json" {
		t.Fatalf("unexpected paths %v", got)
	}
	if _, err := store.PutObject(context.Background(), " ", "", strings.NewReader("x")); err == nil {
		t.Fatal("expected error for empty path")
	}
}
