// Package config provides configuration loading for meshuplink.
//
// Configuration is loaded from a YAML file, overridden by MESHUPLINK_*
// environment variables, and validated before use. Broker slots 1-4 can be
// defined entirely from the environment (MESHUPLINK_MQTT{n}_SERVER etc.),
// matching the deployment style of the wider MeshCore uploader ecosystem.
//
// Loaded configuration is immutable: reconfiguration means loading a new
// Config and handing the broker set wholesale to the uplink manager.
package config
