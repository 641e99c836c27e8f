package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/klauspost/compress/zip"

	"github.com/exprutils/server/internal/features"
	"github.com/exprutils/server/internal/kbase"
)

type fakeObject struct {
	info kbase.ObjectInfo
	data interface{}
}

// fakeWorkspace serves objects from memory and records saved objects.
type fakeWorkspace struct {
	mu         sync.Mutex
	workspaces map[string]bool
	objects    map[string]fakeObject
	saved      []kbase.ObjectSaveData
	saveErr    error
}

func newFakeWorkspace() *fakeWorkspace {
	return &fakeWorkspace{workspaces: map[string]bool{}, objects: map[string]fakeObject{}}
}

func (f *fakeWorkspace) add(ref, name, typ string, data interface{}) {
	f.objects[ref] = fakeObject{info: kbase.ObjectInfo{Name: name, Type: typ}, data: data}
}

func (f *fakeWorkspace) ObjectType(ctx context.Context, ref string) (string, error) {
	obj, ok := f.objects[ref]
	if !ok {
		return "", &kbase.ServerError{Message: "No object with reference " + ref}
	}
	return obj.info.Type, nil
}

func (f *fakeWorkspace) GetObject(ctx context.Context, ref string, out interface{}) (*kbase.ObjectInfo, error) {
	obj, ok := f.objects[ref]
	if !ok {
		return nil, &kbase.ServerError{Message: "No object with reference " + ref}
	}
	b, err := json.Marshal(obj.data)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(b, out); err != nil {
		return nil, err
	}
	info := obj.info
	return &info, nil
}

func (f *fakeWorkspace) GetWorkspaceInfo(ctx context.Context, name string) (*kbase.WorkspaceInfo, error) {
	if !f.workspaces[name] {
		return nil, &kbase.ServerError{Name: "JSONRPCError", Code: -32500, Message: "No workspace with name " + name + " exists"}
	}
	return &kbase.WorkspaceInfo{ID: 42, Name: name}, nil
}

func (f *fakeWorkspace) SaveObjects(ctx context.Context, workspace string, objs []kbase.ObjectSaveData) ([]kbase.ObjectInfo, error) {
	if f.saveErr != nil {
		return nil, f.saveErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	infos := make([]kbase.ObjectInfo, len(objs))
	for i, o := range objs {
		f.saved = append(f.saved, o)
		infos[i] = kbase.ObjectInfo{WsID: 42, ObjID: int64(len(f.saved)), Version: 1, Name: o.Name, Type: o.Type}
	}
	return infos, nil
}

// fakeResolver returns a fixed id set for every reference.
type fakeResolver struct {
	ids   []string
	calls int
	err   error
}

func (f *fakeResolver) Resolve(ctx context.Context, ref string) (features.Set, error) {
	f.calls++
	if f.err != nil {
		return features.Set{}, f.err
	}
	return features.NewSet(f.ids), nil
}

// fakeBlobs serves in-memory archives by node id.
type fakeBlobs map[string][]byte

func (f fakeBlobs) Download(ctx context.Context, node, dest string) error {
	b, ok := f[node]
	if !ok {
		return fmt.Errorf("node %s not found", node)
	}
	return os.WriteFile(dest, b, 0644)
}

func zipArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create: %v", err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatalf("zip write: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

func writeTracking(t *testing.T, dir, content string) string {
	t.Helper()
	path := dir + "/genes.fpkm_tracking"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write tracking file: %v", err)
	}
	return path
}
