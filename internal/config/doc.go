// Package config handles configuration loading for fold-relay.
//
// Configuration is loaded from TOML with environment variable expansion
// (${VAR} syntax) and duration-string parsing. Default locations, in order:
//
//  1. Path from FOLD_RELAY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/fold/relay.toml
//  3. ~/.config/fold/relay.toml
package config
