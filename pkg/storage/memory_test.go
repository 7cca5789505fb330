package storage

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

func TestMemoryStoreLoadAbsent(t *testing.T) {
	s := NewMemoryStore()

	blob, err := s.Load(context.Background(), "never-saved")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if blob != nil {
		t.Errorf("absent room returned %q, want nil", blob)
	}
}

func TestMemoryStoreSaveOverwrites(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Save(ctx, "r", []byte("first")); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, "r", []byte("second")); err != nil {
		t.Fatal(err)
	}

	blob, err := s.Load(ctx, "r")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(blob, []byte("second")) {
		t.Errorf("Load = %q, want %q", blob, "second")
	}
}

func TestMemoryStoreCopiesBlobs(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	in := []byte("original")
	s.Save(ctx, "r", in)
	in[0] = 'X'

	out, _ := s.Load(ctx, "r")
	if !bytes.Equal(out, []byte("original")) {
		t.Error("store shares memory with the caller's save buffer")
	}

	out[0] = 'Y'
	again, _ := s.Load(ctx, "r")
	if !bytes.Equal(again, []byte("original")) {
		t.Error("store shares memory with the caller's load result")
	}
}

func TestMemoryStoreClosed(t *testing.T) {
	s := NewMemoryStore()
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	var closed ErrStoreClosed
	if _, err := s.Load(context.Background(), "r"); !errors.As(err, &closed) {
		t.Errorf("Load after Close = %v, want ErrStoreClosed", err)
	}
	if err := s.Save(context.Background(), "r", nil); !errors.As(err, &closed) {
		t.Errorf("Save after Close = %v, want ErrStoreClosed", err)
	}
}
