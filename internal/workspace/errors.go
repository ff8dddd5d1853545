package workspace

import "errors"

// ErrNotFound indicates a user-supplied id matched neither canonical nor alias form.
var ErrNotFound = errors.New("workspace: workbook id not found")

// ErrAmbiguous indicates an alias matched more than one canonical workbook id.
var ErrAmbiguous = errors.New("workspace: alias is ambiguous")
