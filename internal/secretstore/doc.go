// Package secretstore keeps the OAuth client secrets of the configured
// providers out of the settings file.
//
// Backends:
//   - File: a 0600 file per provider, written atomically
//   - Env: read-only environment variable
//   - Keyring: OS credential storage (macOS Keychain, Windows Credential
//     Manager, Secret Service)
//   - None: public clients that authenticate with the client id alone
package secretstore
