package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// maxCatBytes bounds file content returned to the model.
const maxCatBytes = 50 * 1024

// FileTools provides file operations confined to a workspace.
type FileTools struct {
	workspacePath string
}

// NewFileTools creates a new FileTools instance.
// If workspacePath is empty, file tools will be disabled.
func NewFileTools(workspacePath string) *FileTools {
	return &FileTools{workspacePath: workspacePath}
}

// Enabled returns true if file tools are available.
func (ft *FileTools) Enabled() bool {
	return ft.workspacePath != ""
}

// WorkspacePath returns the configured workspace path.
func (ft *FileTools) WorkspacePath() string {
	return ft.workspacePath
}

// resolvePath converts a path to an absolute path within the workspace.
// Relative paths are joined to the workspace; absolute paths must
// already lie inside it.
func (ft *FileTools) resolvePath(path string) (string, error) {
	if ft.workspacePath == "" {
		return "", errors.New("workspace not configured")
	}
	if strings.TrimSpace(path) == "" {
		return "", errors.New("path must not be empty")
	}

	workspaceAbs, err := filepath.Abs(ft.workspacePath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve workspace: %w", err)
	}

	var absPath string
	if filepath.IsAbs(path) {
		absPath = filepath.Clean(path)
	} else {
		absPath = filepath.Join(workspaceAbs, path)
	}

	if absPath != workspaceAbs && !strings.HasPrefix(absPath, workspaceAbs+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}

	return absPath, nil
}

// Ls lists a directory. Subdirectories carry a trailing slash.
func (ft *FileTools) Ls(ctx context.Context, dir string) (string, error) {
	if dir == "" {
		dir = "."
	}
	absPath, err := ft.resolvePath(dir)
	if err != nil {
		return "", err
	}

	entries, err := os.ReadDir(absPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("directory not found: %s", dir)
		}
		return "", fmt.Errorf("failed to read directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return fmt.Sprintf("%s is empty", dir), nil
	}
	return fmt.Sprintf("Contents of %s: %s", dir, strings.Join(names, ", ")), nil
}

// Cat returns a file's content, truncated to 50KB.
func (ft *FileTools) Cat(ctx context.Context, path string) (string, error) {
	absPath, err := ft.resolvePath(path)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(absPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("file not found: %s", path)
		}
		return "", fmt.Errorf("failed to stat file: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", path)
	}

	f, err := os.Open(absPath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxCatBytes+1))
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	content := strings.ToValidUTF8(string(data), "�")
	if len(data) > maxCatBytes {
		content = content[:maxCatBytes] + "\n\n[... truncated ...]"
	}
	return content, nil
}

// Mkdir creates a directory and any missing parents.
func (ft *FileTools) Mkdir(ctx context.Context, dir string) (string, error) {
	absPath, err := ft.resolvePath(dir)
	if err != nil {
		return "", err
	}
	if info, err := os.Stat(absPath); err == nil {
		if !info.IsDir() {
			return "", fmt.Errorf("%s exists and is not a directory", dir)
		}
		return fmt.Sprintf("Directory already exists: %s", dir), nil
	}
	if err := os.MkdirAll(absPath, 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}
	return fmt.Sprintf("Created directory: %s", dir), nil
}

// Mv moves a file or directory.
func (ft *FileTools) Mv(ctx context.Context, source, destination string) (string, error) {
	src, err := ft.resolvePath(source)
	if err != nil {
		return "", err
	}
	dst, err := ft.resolvePath(destination)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(src); err != nil {
		return "", fmt.Errorf("source not found: %s", source)
	}
	// Moving into an existing directory keeps the base name.
	if info, err := os.Stat(dst); err == nil && info.IsDir() {
		dst = filepath.Join(dst, filepath.Base(src))
	}
	if err := os.Rename(src, dst); err != nil {
		return "", fmt.Errorf("failed to move: %w", err)
	}
	return fmt.Sprintf("Moved %s to %s", source, destination), nil
}

// Cp copies a file or, recursively, a directory.
func (ft *FileTools) Cp(ctx context.Context, source, destination string) (string, error) {
	src, err := ft.resolvePath(source)
	if err != nil {
		return "", err
	}
	dst, err := ft.resolvePath(destination)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(src)
	if err != nil {
		return "", fmt.Errorf("source not found: %s", source)
	}

	if !info.IsDir() {
		if dinfo, err := os.Stat(dst); err == nil && dinfo.IsDir() {
			dst = filepath.Join(dst, filepath.Base(src))
		}
		if err := copyFile(src, dst, info.Mode()); err != nil {
			return "", err
		}
		return fmt.Sprintf("Copied %s to %s", source, destination), nil
	}

	err = filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(p, target, fi.Mode())
	})
	if err != nil {
		return "", fmt.Errorf("failed to copy: %w", err)
	}
	return fmt.Sprintf("Copied %s to %s", source, destination), nil
}

func copyFile(src, dst string, mode fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source: %w", err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm())
	if err != nil {
		return fmt.Errorf("failed to create destination: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy: %w", err)
	}
	return out.Close()
}

// Rm deletes a file or directory tree. The workspace root itself cannot
// be removed.
func (ft *FileTools) Rm(ctx context.Context, path string) (string, error) {
	absPath, err := ft.resolvePath(path)
	if err != nil {
		return "", err
	}
	if root, _ := filepath.Abs(ft.workspacePath); absPath == root {
		return "", errors.New("refusing to remove the workspace root")
	}
	if _, err := os.Lstat(absPath); err != nil {
		return "", fmt.Errorf("not found: %s", path)
	}
	if err := os.RemoveAll(absPath); err != nil {
		return "", fmt.Errorf("failed to remove: %w", err)
	}
	return fmt.Sprintf("Deleted: %s", path), nil
}

// directiveEscapes turns the escapes a model uses inside a single-line
// directive into real characters. "\\" must come first so "\\n" stays
// a literal backslash followed by n.
var directiveEscapes = strings.NewReplacer(`\\`, `\`, `\n`, "\n", `\t`, "\t")

// WriteToFile writes text to path. Mode "0" overwrites and "1" appends.
// A trailing newline is added if text lacks one.
func (ft *FileTools) WriteToFile(ctx context.Context, text, path, mode string) (string, error) {
	absPath, err := ft.resolvePath(path)
	if err != nil {
		return "", err
	}

	flags := os.O_CREATE | os.O_WRONLY
	var verb string
	switch mode {
	case "0", "":
		flags |= os.O_TRUNC
		verb = "Wrote"
	case "1":
		flags |= os.O_APPEND
		verb = "Appended"
	default:
		return "", fmt.Errorf("mode must be 0 (overwrite) or 1 (append), got %q", mode)
	}

	text = directiveEscapes.Replace(text)
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}

	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}
	f, err := os.OpenFile(absPath, flags, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	if _, err := f.WriteString(text); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	return fmt.Sprintf("%s %d bytes to %s", verb, len(text), path), nil
}

// LineMatch is one hit from FindLines.
type LineMatch struct {
	LineNumber int    `json:"line_number"`
	Content    string `json:"content"`
}

// FindLines returns every line of path containing search, as JSON.
func (ft *FileTools) FindLines(ctx context.Context, path, search string, caseSensitive bool) (string, error) {
	if strings.TrimSpace(search) == "" {
		return "", errors.New("search string must not be empty")
	}
	absPath, err := ft.resolvePath(path)
	if err != nil {
		return "", err
	}
	f, err := os.Open(absPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("file not found: %s", path)
		}
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	defer f.Close()

	needle := search
	if !caseSensitive {
		needle = strings.ToLower(search)
	}

	matches := []LineMatch{}
	s := bufio.NewScanner(f)
	s.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for n := 1; s.Scan(); n++ {
		line := s.Text()
		hay := line
		if !caseSensitive {
			hay = strings.ToLower(line)
		}
		if strings.Contains(hay, needle) {
			matches = append(matches, LineMatch{LineNumber: n, Content: line})
		}
	}
	if err := s.Err(); err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	out, err := json.Marshal(matches)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Register adds the file tools to r. No-op when no workspace is set.
func (ft *FileTools) Register(r *Registry) {
	if !ft.Enabled() {
		return
	}

	r.Register(&Tool{
		Name:        "ls",
		Description: "List files and subdirectories in a directory. Paths are relative to the workspace.",
		Params:      []string{"directory"},
		Handler: func(ctx context.Context, args []string) (string, error) {
			return ft.Ls(ctx, argAt(args, 0))
		},
	})
	r.Register(&Tool{
		Name:        "cat",
		Description: "Read a text file and return its content.",
		Params:      []string{"filepath"},
		MinArgs:     1,
		Handler: func(ctx context.Context, args []string) (string, error) {
			return ft.Cat(ctx, args[0])
		},
	})
	r.Register(&Tool{
		Name:        "mkdir",
		Description: "Create a directory, including missing parents. Existing directories are left alone.",
		Params:      []string{"directory"},
		MinArgs:     1,
		Handler: func(ctx context.Context, args []string) (string, error) {
			return ft.Mkdir(ctx, args[0])
		},
	})
	r.Register(&Tool{
		Name:        "mv",
		Description: "Move a file or directory. Moving into an existing directory keeps the name.",
		Params:      []string{"source", "destination"},
		MinArgs:     2,
		Handler: func(ctx context.Context, args []string) (string, error) {
			return ft.Mv(ctx, args[0], args[1])
		},
	})
	r.Register(&Tool{
		Name:        "cp",
		Description: "Copy a file, or a directory recursively.",
		Params:      []string{"source", "destination"},
		MinArgs:     2,
		Handler: func(ctx context.Context, args []string) (string, error) {
			return ft.Cp(ctx, args[0], args[1])
		},
	})
	r.Register(&Tool{
		Name:        "rm",
		Description: "Delete a file, or a directory and everything in it.",
		Params:      []string{"path"},
		MinArgs:     1,
		Handler: func(ctx context.Context, args []string) (string, error) {
			return ft.Rm(ctx, args[0])
		},
	})
	r.Register(&Tool{
		Name: "write_to_file",
		Description: "Write text to a file, creating parent directories. mode 0 overwrites, 1 appends (default 0). " +
			`Use \n for newlines and \t for tabs inside text.`,
		Params:  []string{"text", "filepath", "mode"},
		MinArgs: 2,
		Handler: func(ctx context.Context, args []string) (string, error) {
			return ft.WriteToFile(ctx, args[0], args[1], argAt(args, 2))
		},
	})
	r.Register(&Tool{
		Name:        "find_lines_in_file",
		Description: "Find lines containing a string. Returns JSON [{line_number, content}]. case_sensitive defaults to true.",
		Params:      []string{"filepath", "search_string", "case_sensitive"},
		MinArgs:     2,
		Handler: func(ctx context.Context, args []string) (string, error) {
			caseSensitive := true
			if v := argAt(args, 2); v != "" {
				b, err := strconv.ParseBool(v)
				if err != nil {
					return "", fmt.Errorf("case_sensitive must be true or false, got %q", v)
				}
				caseSensitive = b
			}
			return ft.FindLines(ctx, args[0], args[1], caseSensitive)
		},
	})
}

// argAt returns args[i], or "" when absent.
func argAt(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}
