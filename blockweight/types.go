// types.go - Fehlertyp der Pipelines
package blockweight

// Stufen einer Pipeline fuer Error.Op
const (
	OpRatios = "ratios"
	OpLoad   = "load"
	OpApply  = "apply"
	OpSave   = "save"
)

// Error - Fehler einer Pipeline-Stufe
type Error struct {
	Op   string // Stufe (ratios, load, apply, save)
	Path string // Betroffene Datei
	Err  error  // Urspruenglicher Fehler
}

// Error implementiert das error Interface
func (e *Error) Error() string {
	if e.Path != "" {
		return "blockweight " + e.Op + " [" + e.Path + "]: " + e.Err.Error()
	}
	return "blockweight " + e.Op + ": " + e.Err.Error()
}

// Unwrap ermoeglicht errors.Is/As
func (e *Error) Unwrap() error {
	return e.Err
}
