// Package config loads clustershell-go's layered configuration:
// defaults.conf and clush.conf (parsed with gopkg.in/ini.v1) plus
// groups.conf and groups.d/*.conf (parsed into a GroupResolver).
// Directories are searched in increasing precedence, later wins:
// /etc/clustershell, ~/.local/etc/clustershell, $XDG_CONFIG_HOME/clustershell.
//
// Grounded on the teacher's own environment-overridable, three-tier
// directory resolution in internal/config/config.go ($MUSCLE_BASE env
// override, $HOME-relative default, explicit -base flag override) --
// the same override shape, generalized from one directory to a
// layered search path.
package config
