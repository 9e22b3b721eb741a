package tools

import (
	"context"
	"encoding/json"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"time"

	"github.com/lynexus/lynexus-agent/internal/buildinfo"
)

// SystemInfo is the payload of get_system_info.
type SystemInfo struct {
	OS         string `json:"os"`
	Arch       string `json:"arch"`
	Hostname   string `json:"hostname,omitempty"`
	User       string `json:"user,omitempty"`
	HomeDir    string `json:"home_dir,omitempty"`
	DesktopDir string `json:"desktop_dir,omitempty"`
	Cwd        string `json:"cwd,omitempty"`
	Workspace  string `json:"workspace,omitempty"`
	CPUCount   int    `json:"cpu_count"`
	GoVersion  string `json:"go_version"`
	Agent      string `json:"agent"`
	Time       string `json:"time"`
	Timezone   string `json:"timezone"`
}

// CollectSystemInfo gathers host details. Lookups that fail are left
// empty rather than failing the call.
func CollectSystemInfo(workspace string) SystemInfo {
	info := SystemInfo{
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		CPUCount:  runtime.NumCPU(),
		GoVersion: runtime.Version(),
		Agent:     buildinfo.String(),
		Workspace: workspace,
	}

	now := time.Now()
	info.Time = now.Format(time.RFC3339)
	info.Timezone, _ = now.Zone()

	if h, err := os.Hostname(); err == nil {
		info.Hostname = h
	}
	if u, err := user.Current(); err == nil {
		info.User = u.Username
	}
	if home, err := os.UserHomeDir(); err == nil {
		info.HomeDir = home
		desktop := filepath.Join(home, "Desktop")
		if st, err := os.Stat(desktop); err == nil && st.IsDir() {
			info.DesktopDir = desktop
		}
	}
	if wd, err := os.Getwd(); err == nil {
		info.Cwd = wd
	}
	return info
}

// RegisterSystemTools adds get_system_info to r.
func RegisterSystemTools(r *Registry, workspace string) {
	r.Register(&Tool{
		Name:        "get_system_info",
		Description: "Return host details as JSON: os, arch, user, home and desktop directories, working directory, workspace, CPU count and local time.",
		Handler: func(ctx context.Context, args []string) (string, error) {
			out, err := json.MarshalIndent(CollectSystemInfo(workspace), "", "  ")
			if err != nil {
				return "", err
			}
			return string(out), nil
		},
	})
}
