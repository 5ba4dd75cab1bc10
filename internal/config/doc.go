// Package config loads the toolstream configuration.
//
// Load merges, later wins:
//
//  1. Built-in defaults (Default)
//  2. Global config in the XDG config dir (~/.config/toolstream/)
//  3. Project config in the working directory and its .toolstream/ subdir
//  4. The file named by TOOLSTREAM_CONFIG
//  5. Inline JSON in TOOLSTREAM_CONFIG_CONTENT
//  6. TOOLSTREAM_* environment variables
//
// Each directory is searched for toolstream.json, toolstream.jsonc,
// toolstream.yaml and toolstream.yml. JSONC comments and trailing commas are
// stripped with tidwall/jsonc; YAML is decoded with gopkg.in/yaml.v3.
//
// # Variable Interpolation
//
// String values may reference {env:VAR_NAME} and {file:path}. Relative file
// paths resolve against the config file's directory and ~/ expands to HOME.
//
// # Hot Reload
//
// Watcher uses fsnotify on the directories above and calls back with the
// freshly loaded configuration after a debounce. A file that fails to parse
// is logged and the previous configuration stays in effect.
package config
