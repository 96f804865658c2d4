// Package commands defines the pik2mqtt operator CLI and wires dependencies
// for subcommands.
//
// Commands
//
//   - intercoms  List door stations on the account
//   - relays     List individually unlockable relays
//   - calls      Show recent call sessions
//   - meters     Show utility meter readings
//   - unlock     Open an intercom door or a relay
//   - snapshot   Fetch a camera snapshot to a file
//
// # Implementation
//
// The root command loads the daemon's config file, signs in against the
// vendor API and builds the shared client before any subcommand runs, so
// handlers only deal with typed API calls.
package commands
