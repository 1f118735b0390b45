package paths

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/megamelange/melange-backend/internal/logger"
)

// projectMarker is the file that identifies a real editor project root.
const projectMarker = "MegaMelange.uproject"

// Resolver centralizes the directory layout under the editor project tree.
// Every other component derives paths from here; callers never
// string-concatenate their own.
type Resolver struct {
	log        *logger.Logger
	root       string
	autoCreate bool
}

type Config struct {
	// ProjectRoot wins when set; otherwise MELANGE_PROJECT_ROOT, then a
	// fallback under the current working directory.
	ProjectRoot string
	// AutoCreate makes every accessor create its directory on first use.
	AutoCreate bool
}

func NewResolver(cfg Config, log *logger.Logger) (*Resolver, error) {
	root := cfg.ProjectRoot
	if root == "" {
		root = os.Getenv("MELANGE_PROJECT_ROOT")
	}
	if root == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve cwd for project root: %w", err)
		}
		root = filepath.Join(cwd, "melange_project")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("absolutize project root %q: %w", root, err)
	}
	r := &Resolver{
		log:        log.With("service", "PathResolver"),
		root:       abs,
		autoCreate: cfg.AutoCreate,
	}
	if _, err := os.Stat(filepath.Join(abs, projectMarker)); err != nil {
		r.log.Warn("Project marker not found under root", "root", abs, "marker", projectMarker)
	}
	return r, nil
}

func (r *Resolver) Root() string { return r.root }

func (r *Resolver) dir(parts ...string) string {
	p := filepath.Join(append([]string{r.root}, parts...)...)
	if r.autoCreate {
		if err := os.MkdirAll(p, 0o755); err != nil {
			r.log.Error("Failed to create directory", "path", p, "error", err)
		}
	}
	return p
}

// file returns an absolute file path whose parent directory exists.
func (r *Resolver) file(dirParts []string, name string) string {
	return filepath.Join(r.dir(dirParts...), name)
}

func (r *Resolver) ScreenshotsDir() string {
	return r.dir("Saved", "Screenshots", "WindowsEditor")
}

func (r *Resolver) StyledDir() string {
	return r.dir("Saved", "Screenshots", "styled")
}

func (r *Resolver) GeneratedVideosDir() string {
	return r.dir("Saved", "Videos", "generated")
}

func (r *Resolver) ReferenceBaseDir() string {
	return r.dir("Saved", "Reference")
}

func (r *Resolver) ReferenceSessionDir(sessionID string) string {
	return r.dir("Saved", "Reference", sessionID)
}

func (r *Resolver) ObjectStoreDir() string {
	return r.dir("Saved", "ObjectStore")
}

// Object3DDir keys 3D blobs by uid: .../ObjectStore/object_3d/<uid>/
func (r *Resolver) Object3DDir(uid string) string {
	return r.dir("Saved", "ObjectStore", "object_3d", uid)
}

func (r *Resolver) UIDStateFile() string {
	return r.file([]string{"Saved", "ObjectStore"}, "uid_state.json")
}

func (r *Resolver) ReferUIDStateFile() string {
	return r.file([]string{"Saved", "ObjectStore"}, "refer_uid_state.json")
}

func (r *Resolver) RegistryFile() string {
	return r.file([]string{"Saved", "ObjectStore"}, "resource_registry.json")
}

func (r *Resolver) SessionsDir() string {
	return r.dir("Saved", "MegaMelange", "sessions")
}

func (r *Resolver) LogsDir() string {
	return r.dir("Saved", "MegaMelange", "logs")
}

// HealthCheck verifies writability of the base directory.
func (r *Resolver) HealthCheck() error {
	if err := os.MkdirAll(r.root, 0o755); err != nil {
		return fmt.Errorf("project root not creatable: %w", err)
	}
	probe := filepath.Join(r.root, ".melange_write_probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("project root not writable: %w", err)
	}
	_ = os.Remove(probe)
	return nil
}
