// Parses flags and configures logging for the strata CLI.
//
// Every command accepts the following global flags:
//
//	-q, --quiet      Suppress informational output.
//	-v, --verbose    Enable verbose output.
//	-d, --debug      Enable debug output.
//	    --cache-dir  Snapshot cache directory.
//	    --cache-size Cache size ceiling.
//	    --bases      Base archive directory.
//
// Flags override build-time defaults set via linker flags. After parsing, the
// global logger is reconfigured to reflect the final level and verbosity
// before the selected command runs.
package cli
