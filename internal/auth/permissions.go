package auth

import (
	"net/http"
	"net/url"
	"strings"
)

// Permission is an operation class a SAS must grant.
type Permission int

const (
	PermissionRead Permission = iota + 1
	PermissionWrite
	PermissionDelete
	PermissionList
)

func (p Permission) String() string {
	switch p {
	case PermissionRead:
		return "read"
	case PermissionWrite:
		return "write"
	case PermissionDelete:
		return "delete"
	case PermissionList:
		return "list"
	default:
		return "unknown"
	}
}

// permissionLetters maps each sp letter to the permission it grants.
var permissionLetters = map[rune]Permission{
	'r': PermissionRead,
	'a': PermissionWrite,
	'c': PermissionWrite,
	'w': PermissionWrite,
	'd': PermissionDelete,
	'l': PermissionList,
}

// Grants reports whether the sp string grants need.
func Grants(sp string, need Permission) bool {
	for _, r := range strings.ToLower(sp) {
		if permissionLetters[r] == need {
			return true
		}
	}
	return false
}

// permissionRule maps a method at a level to a permission. Comp, when set,
// restricts the rule to that comp value.
type permissionRule struct {
	Level  Level
	Method string
	Comp   string
	Need   Permission
}

// permissionTable is evaluated top to bottom; the first match wins.
var permissionTable = []permissionRule{
	{Level: LevelService, Method: http.MethodGet, Comp: "list", Need: PermissionList},
	{Level: LevelService, Method: http.MethodGet, Need: PermissionRead},
	{Level: LevelService, Method: http.MethodHead, Need: PermissionRead},
	{Level: LevelService, Method: http.MethodPut, Need: PermissionWrite},

	{Level: LevelContainer, Method: http.MethodGet, Comp: "list", Need: PermissionList},
	{Level: LevelContainer, Method: http.MethodHead, Comp: "list", Need: PermissionList},
	{Level: LevelContainer, Method: http.MethodGet, Need: PermissionRead},
	{Level: LevelContainer, Method: http.MethodHead, Need: PermissionRead},
	{Level: LevelContainer, Method: http.MethodPut, Need: PermissionWrite},
	{Level: LevelContainer, Method: http.MethodDelete, Need: PermissionDelete},

	{Level: LevelBlob, Method: http.MethodGet, Need: PermissionRead},
	{Level: LevelBlob, Method: http.MethodHead, Need: PermissionRead},
	{Level: LevelBlob, Method: http.MethodPut, Need: PermissionWrite},
	{Level: LevelBlob, Method: http.MethodPost, Need: PermissionWrite},
	{Level: LevelBlob, Method: http.MethodDelete, Need: PermissionDelete},
}

// RequiredPermission returns the permission an operation needs, and false when
// the operation is not covered by the table.
func RequiredPermission(method string, level Level, query url.Values) (Permission, bool) {
	comp := strings.ToLower(query.Get("comp"))
	for _, rule := range permissionTable {
		if rule.Level != level || rule.Method != method {
			continue
		}
		if rule.Comp != "" && rule.Comp != comp {
			continue
		}
		return rule.Need, true
	}
	return 0, false
}
