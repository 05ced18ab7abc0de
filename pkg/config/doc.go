/*
Package config defines the YAML configuration schema for drover
processes and its defaults.

Load layers a config file over Default and validates the result. The
cmd layer maps these fields onto the typed Config structs each
component package defines; components never read files or globals
themselves.

Validation enforces the relationships components assume: the queue
sweep interval stays within a quarter of the lease duration, the pool
threshold stays in (0,1], and the worker heartbeat interval stays below
the registry timeout that declares workers dead.
*/
package config
