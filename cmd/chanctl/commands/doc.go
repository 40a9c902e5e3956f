// Package commands defines the chanctl CLI.
//
// Commands
//
//   - run                  Connect, authenticate and serve the admin surface until signalled
//   - channel create       Open a payment channel with the clearing node
//   - channel resize       Move funds into the channel or out to the unified balance
//   - channel close        Close the channel and settle it on-chain
//   - channel show         Print the locally tracked channel
//   - deposit              Deposit tokens into the custody contract
//   - balance              Print the unified balance and, with a chain, the custody balance
//   - transfer             Send unified balance to another account
//   - app-sessions         List app sessions for the wallet
//   - session show|reset   Inspect or rotate the session key
//   - faucet               Request sandbox test funds
//
// # Implementation
//
// The root command loads configuration and the logger before any subcommand
// runs. Subcommands that talk to the clearing node build the full app graph,
// authenticate, run their operation and disconnect.
package commands
