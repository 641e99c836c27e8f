package kbase

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
)

// ObjectInfo is the workspace object_info tuple.
type ObjectInfo struct {
	ObjID     int64
	Name      string
	Type      string
	SaveDate  string
	Version   int
	SavedBy   string
	WsID      int64
	Workspace string
	Checksum  string
	Size      int64
	Meta      map[string]string
}

// Ref returns the versioned reference wsid/objid/version.
func (o ObjectInfo) Ref() string {
	return fmt.Sprintf("%d/%d/%d", o.WsID, o.ObjID, o.Version)
}

// UnmarshalJSON decodes the 11-element object_info tuple.
func (o *ObjectInfo) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if len(raw) < 11 {
		return fmt.Errorf("object_info: expected 11 fields, got %d", len(raw))
	}
	fields := []interface{}{
		&o.ObjID, &o.Name, &o.Type, &o.SaveDate, &o.Version, &o.SavedBy,
		&o.WsID, &o.Workspace, &o.Checksum, &o.Size, &o.Meta,
	}
	for i, f := range fields {
		if err := json.Unmarshal(raw[i], f); err != nil {
			return fmt.Errorf("object_info field %d: %w", i, err)
		}
	}
	return nil
}

// WorkspaceInfo is the leading part of the workspace_info tuple.
type WorkspaceInfo struct {
	ID    int64
	Name  string
	Owner string
}

// UnmarshalJSON decodes the workspace_info tuple.
func (w *WorkspaceInfo) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if len(raw) < 3 {
		return fmt.Errorf("workspace_info: expected at least 3 fields, got %d", len(raw))
	}
	if err := json.Unmarshal(raw[0], &w.ID); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[1], &w.Name); err != nil {
		return err
	}
	return json.Unmarshal(raw[2], &w.Owner)
}

// ObjectSaveData describes one object to save.
type ObjectSaveData struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
	Name string      `json:"name"`
}

// TypeCache stores object types of immutable (fully versioned) refs.
type TypeCache interface {
	GetObjectType(ref string) (string, bool)
	SetObjectType(ref, objType string)
}

var versionedRef = regexp.MustCompile(`^\d+/\d+/\d+$`)

// Workspace is a client for the KBase Workspace service.
type Workspace struct {
	rpc   *Client
	types TypeCache
}

// NewWorkspace creates a Workspace client. types may be nil.
func NewWorkspace(url string, types TypeCache, opts ...ClientOption) *Workspace {
	return &Workspace{rpc: NewClient(url, opts...), types: types}
}

type objectSpec struct {
	Ref string `json:"ref"`
}

type getObjects2Params struct {
	Objects []objectSpec `json:"objects"`
	NoData  int          `json:"no_data,omitempty"`
}

type objectData struct {
	Info ObjectInfo      `json:"info"`
	Data json.RawMessage `json:"data"`
}

type getObjects2Result struct {
	Data []objectData `json:"data"`
}

func (w *Workspace) getObject(ctx context.Context, ref string, noData bool) (*objectData, error) {
	params := getObjects2Params{Objects: []objectSpec{{Ref: ref}}}
	if noData {
		params.NoData = 1
	}
	var res getObjects2Result
	if err := w.rpc.Call(ctx, "Workspace.get_objects2", []interface{}{params}, &res); err != nil {
		return nil, err
	}
	if len(res.Data) == 0 {
		return nil, fmt.Errorf("Workspace.get_objects2: no object returned for %s", ref)
	}
	return &res.Data[0], nil
}

// GetObjectInfo returns the info of the object at ref without its data.
func (w *Workspace) GetObjectInfo(ctx context.Context, ref string) (*ObjectInfo, error) {
	obj, err := w.getObject(ctx, ref, true)
	if err != nil {
		return nil, err
	}
	return &obj.Info, nil
}

// ObjectType returns the stored type of the object at ref.
func (w *Workspace) ObjectType(ctx context.Context, ref string) (string, error) {
	cacheable := w.types != nil && versionedRef.MatchString(ref)
	if cacheable {
		if t, ok := w.types.GetObjectType(ref); ok {
			return t, nil
		}
	}
	info, err := w.GetObjectInfo(ctx, ref)
	if err != nil {
		return "", err
	}
	if cacheable {
		w.types.SetObjectType(ref, info.Type)
	}
	return info.Type, nil
}

// GetObject fetches the object at ref and decodes its data into out.
func (w *Workspace) GetObject(ctx context.Context, ref string, out interface{}) (*ObjectInfo, error) {
	obj, err := w.getObject(ctx, ref, false)
	if err != nil {
		return nil, err
	}
	if out != nil {
		if err := json.Unmarshal(obj.Data, out); err != nil {
			return nil, fmt.Errorf("failed to decode object %s: %w", ref, err)
		}
	}
	return &obj.Info, nil
}

// GetWorkspaceInfo returns the info of the named workspace.
func (w *Workspace) GetWorkspaceInfo(ctx context.Context, name string) (*WorkspaceInfo, error) {
	var info WorkspaceInfo
	params := map[string]string{"workspace": name}
	if err := w.rpc.Call(ctx, "Workspace.get_workspace_info", []interface{}{params}, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// SaveObjects saves objs into the named workspace. A purely numeric
// workspace is treated as a workspace id.
func (w *Workspace) SaveObjects(ctx context.Context, workspace string, objs []ObjectSaveData) ([]ObjectInfo, error) {
	params := map[string]interface{}{"objects": objs}
	if id, err := strconv.ParseInt(workspace, 10, 64); err == nil {
		params["id"] = id
	} else {
		params["workspace"] = workspace
	}
	var infos []ObjectInfo
	if err := w.rpc.Call(ctx, "Workspace.save_objects", []interface{}{params}, &infos); err != nil {
		return nil, err
	}
	return infos, nil
}

// CreateWorkspace creates a workspace.
func (w *Workspace) CreateWorkspace(ctx context.Context, name string) (*WorkspaceInfo, error) {
	var info WorkspaceInfo
	params := map[string]string{"workspace": name}
	if err := w.rpc.Call(ctx, "Workspace.create_workspace", []interface{}{params}, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// DeleteWorkspace deletes a workspace.
func (w *Workspace) DeleteWorkspace(ctx context.Context, name string) error {
	params := map[string]string{"workspace": name}
	return w.rpc.Call(ctx, "Workspace.delete_workspace", []interface{}{params}, nil)
}
