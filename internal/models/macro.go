package models

// MacroKind selects the interpreter a macro runs on.
type MacroKind string

const (
	MacroKindJS       MacroKind = "js"
	MacroKindStarlark MacroKind = "starlark"
)

// MacroOrigin records where a macro definition was discovered.
type MacroOrigin string

const (
	OriginBundled MacroOrigin = "bundled"
	OriginDisk    MacroOrigin = "disk"
	OriginInline  MacroOrigin = "inline"
)

// MacroDefinition is a macro rewritten into a loadable module.
// Definitions are immutable once the registry has loaded them.
type MacroDefinition struct {
	Label    string      `json:"label"`
	Source   string      `json:"-"`
	Entry    string      `json:"entry"`
	Async    bool        `json:"async"`
	Kind     MacroKind   `json:"kind"`
	Origin   MacroOrigin `json:"origin"`
	Checksum string      `json:"checksum"`
}
