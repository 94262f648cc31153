// Package config parses the livesync configuration file.
package config

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ghodss/yaml"
	homedir "github.com/mitchellh/go-homedir"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/livesync/pkg/errors"
	"github.com/sidkik/livesync/pkg/sync/server"
)

const (
	// DefaultSyncConfigPath is where the sync config is looked for when no
	// path is given on the command line.
	DefaultSyncConfigPath = "livesync.yaml"

	// InitialSyncConfigVersion is the first version of the livesync sync
	// config. Config files that do not specify a version will default to
	// this version.
	InitialSyncConfigVersion = "v1alpha1"

	// SupportedSyncConfigVersion is the supported version of the sync config
	// of the current livesync binary.
	SupportedSyncConfigVersion = "v1alpha1"

	defaultPollInterval = 15 * time.Second
)

// SyncConfig describes what to sync, and where to.
type SyncConfig struct {
	Version     string    `json:"version,omitempty"`
	Source      string    `json:"source,omitempty"`
	Destination string    `json:"destination"` // Required.
	Exclude     []string  `json:"exclude,omitempty"`
	ExcludeFile string    `json:"excludeFile,omitempty"`
	Transport   Transport `json:"transport"`

	RetryIntervalSeconds int `json:"retryIntervalSeconds,omitempty"`
	PollIntervalSeconds  int `json:"pollIntervalSeconds,omitempty"`

	// Only populated and consumed by livesync. Never set by user.
	path     string
	excludes []string
}

// Transport selects how the destination process is started. Exactly one of
// the fields must be set.
type Transport struct {
	// Command runs the destination as a local subprocess.
	Command []string `json:"command,omitempty"`

	SSH *SSHTransport `json:"ssh,omitempty"`
}

// SSHTransport runs the destination on a remote machine.
type SSHTransport struct {
	Host         string `json:"host"`
	User         string `json:"user,omitempty"`
	IdentityFile string `json:"identityFile,omitempty"`
	KnownHosts   string `json:"knownHosts,omitempty"`
	Command      string `json:"command,omitempty"`
}

// Files that are never synced, in addition to the user's masks.
var alwaysIgnored = []string{"*" + server.TempSuffix, ".DS_Store"}

// Mocked out for unit testing.
var fs = afero.NewOsFs()

// The yaml library drops the position of the offending field, so the
// parser's message is all there is to show.
const malformedConfigTemplate = "The sync config %q could not be parsed.\n" +
	"Check that every field has the right type, and that there are no " +
	"fields livesync doesn't know about.\n\n" +
	"Parser error: %s"

type unsupportedVersionError struct {
	path, version string
}

func (err unsupportedVersionError) Error() string {
	return err.FriendlyMessage()
}

func (err unsupportedVersionError) FriendlyMessage() string {
	return fmt.Sprintf("The sync config %q has version %q, but this "+
		"release of livesync only understands version %q.",
		err.path, err.version, SupportedSyncConfigVersion)
}

// GetPath returns the filepath that the config was parsed from. A getter
// method is used rather than making the field public so that it can't get set
// by the yaml Unmarshalling.
func (c SyncConfig) GetPath() string {
	return c.path
}

// Excludes returns every exclude mask: the inline masks, the masks from the
// exclude file, and the ones livesync always adds.
func (c SyncConfig) Excludes() []string {
	return append([]string(nil), c.excludes...)
}

// RetryInterval is how long to wait before reconnecting to the destination.
// Zero selects the default.
func (c SyncConfig) RetryInterval() time.Duration {
	return time.Duration(c.RetryIntervalSeconds) * time.Second
}

// PollInterval is how often the source is rescanned if filesystem events
// aren't available.
func (c SyncConfig) PollInterval() time.Duration {
	if c.PollIntervalSeconds <= 0 {
		return defaultPollInterval
	}
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// ParseSyncConfig parses the sync config at path. Relative paths in the
// config are relative to the directory containing it.
func ParseSyncConfig(path string) (SyncConfig, error) {
	config := SyncConfig{
		path:    path,
		Version: InitialSyncConfigVersion,
	}
	if err := config.decode(path); err != nil {
		return SyncConfig{}, errors.WithContext(err, "parse")
	}

	if config.Destination == "" {
		return SyncConfig{}, errors.NewFriendlyError(
			"The sync config %q does not have a destination set.\n"+
				"The destination field is required, and must be the path "+
				"that files are synced to.", path)
	}

	if err := config.Transport.validate(path); err != nil {
		return SyncConfig{}, err
	}

	configDir := filepath.Dir(path)
	source, err := resolvePath(configDir, config.Source)
	if err != nil {
		return SyncConfig{}, errors.WithContext(err, "expand source")
	}
	config.Source = source

	if ssh := config.Transport.SSH; ssh != nil {
		// Key files are read locally, so they're expanded here. The remote
		// command is left alone.
		for _, field := range []*string{&ssh.IdentityFile, &ssh.KnownHosts} {
			if *field == "" {
				continue
			}
			if *field, err = resolvePath(configDir, *field); err != nil {
				return SyncConfig{}, errors.WithContext(err, "expand ssh path")
			}
		}
	}

	excludes := append([]string(nil), config.Exclude...)
	if config.ExcludeFile != "" {
		excludeFile, err := resolvePath(configDir, config.ExcludeFile)
		if err != nil {
			return SyncConfig{}, errors.WithContext(err, "expand exclude file")
		}

		masks, err := ReadExcludeFile(excludeFile)
		if err != nil {
			return SyncConfig{}, errors.WithContext(err, "read exclude file")
		}
		excludes = append(excludes, masks...)
	}
	excludes = append(excludes, alwaysIgnored...)

	// Don't sync the config itself if it lives in the source tree.
	if configPath, err := filepath.Abs(path); err != nil {
		log.WithError(err).Debug("Failed to get absolute config path")
	} else if rel, err := filepath.Rel(config.Source, configPath); err == nil &&
		!strings.HasPrefix(rel, "..") {
		excludes = append(excludes, "/"+filepath.ToSlash(rel))
	}
	config.excludes = excludes

	return config, nil
}

// decode fills c from the yaml at path. Unknown fields are only rejected
// once the version is known to match, so that a config written for another
// release reports the version mismatch instead.
func (c *SyncConfig) decode(path string) error {
	contents, err := afero.ReadFile(fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.FileNotFound{Path: path}
		}
		return errors.WithContext(err, "read file")
	}

	if err := yaml.Unmarshal(contents, c); err != nil {
		return errors.NewFriendlyError(malformedConfigTemplate, path, err)
	}
	if c.Version != SupportedSyncConfigVersion {
		return unsupportedVersionError{path: path, version: c.Version}
	}
	if err := yaml.UnmarshalStrict(contents, c, yaml.DisallowUnknownFields); err != nil {
		return errors.NewFriendlyError(malformedConfigTemplate, path, err)
	}
	return nil
}

func (t Transport) validate(path string) error {
	switch {
	case len(t.Command) == 0 && t.SSH == nil:
		return errors.NewFriendlyError(
			"The sync config %q does not have a transport set.\n"+
				"Set either transport.command to run the destination "+
				"locally, or transport.ssh to run it on a remote host.", path)
	case len(t.Command) != 0 && t.SSH != nil:
		return errors.NewFriendlyError(
			"The sync config %q sets both transport.command and transport.ssh.\n"+
				"Only one transport may be used.", path)
	case t.SSH != nil && t.SSH.Host == "":
		return errors.NewFriendlyError(
			"The sync config %q does not have transport.ssh.host set.", path)
	}
	return nil
}

// ReadExcludeFile reads masks from path, one per line. Blank lines and
// lines starting with `#` are skipped.
func ReadExcludeFile(path string) ([]string, error) {
	contents, err := afero.ReadFile(fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.FileNotFound{Path: path}
		}
		return nil, err
	}

	var masks []string
	scanner := bufio.NewScanner(bytes.NewReader(contents))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		masks = append(masks, line)
	}
	return masks, scanner.Err()
}

// resolvePath expands `~` and makes path absolute, relative to dir.
func resolvePath(dir, path string) (string, error) {
	path, err := homedirExpand(path)
	if err != nil {
		return "", err
	}

	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return abs, nil
}

// homedirExpand will be overridden in mock tests
var homedirExpand = homedir.Expand
