package configs

import (
	"embed"
	"io/fs"
)

//go:embed project
var projectFiles embed.FS

// DefaultProject is the starter project mounted into an empty workspace.
func DefaultProject() fs.FS {
	sub, err := fs.Sub(projectFiles, "project")
	if err != nil {
		panic(err)
	}
	return sub
}
