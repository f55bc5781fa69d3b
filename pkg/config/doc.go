// Package config loads the modrunner host configuration file.
//
// The file is YAML with four sections:
//
//	server:
//	  metrics_address: ":9464"
//	  data_dir: ./data
//	  log_level: info
//	  log_format: console
//	module_options:
//	  modules_dir_path: ./modules
//	  pre_installed_modules_dir_path: ./preinstalled
//	  download_concurrency: 2
//	  drain_timeout: 30s
//	  stop_timeout: 10s
//	  poll_interval: 5s
//	  restart: {max_attempts: 5, crash_window: 2m, backoff_initial: 1s, backoff_max: 30s}
//	  policy_paths: [./policies]
//	install:
//	  http_timeout: 10m
//	  sftp: {user: deploy, private_key_path: /etc/modrunner/id_ed25519}
//	modules:
//	  detector:
//	    version: 1.2.0
//	    install_type: downloadable
//	    source: https://packages.example.com/detector-1.2.0.tar.gz
//	    command: bin/detector
//	    args: ["--data", "${MODULE_PATH}/data"]
//
// The option sections are decoded and validated as a whole; any error there
// fails the load. Module entries are bound in two steps: the ids are read
// from the mapping in document order, then every entry is decoded on its
// own. An entry that fails to decode becomes a BindError and the remaining
// entries still load. Validating the decoded entries is left to
// module.BuildRegistry.
//
// Relative paths are resolved against the directory of the file.
//
// Watcher follows the file with fsnotify and hands every configuration that
// loads cleanly to a callback, typically orchestrator.Runner.Apply.
package config
