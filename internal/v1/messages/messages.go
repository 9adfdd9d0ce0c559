// Package messages is the server-side message catalog. The sync core only
// ever asks for a message by key; localization is layered on top of this
// lookup and is out of scope for the core itself.
package messages

import "fmt"

var catalog = map[string]string{
	"welcome-server-notification": "Welcome to CineSync server, ver. %s",
	"no-salt-notification": "PLEASE NOTE: To allow room operator passwords generated by this server instance " +
		"to still work when the server is restarted, please set the following environment variable when running " +
		"the server in the future: SYNCPLAY_SALT=%s",

	"client-drop-server-error":     "Client drop: %s -- %s",
	"password-required-server-error": "Password required",
	"wrong-password-server-error":  "Wrong password supplied",
	"hello-server-error":           "Not enough Hello arguments",
	"line-decode-server-error":     "Not a utf-8 string",
	"not-json-server-error":        "Not a json encoded string - %s",
	"not-known-server-error":       "You must be known to server before sending this command",
	"unknown-command-server-error": "Unknown command %s",

	"new-syncplay-available-motd-message": "<NOTICE> You are using an old version of the client (%s). " +
		"A newer release with bug fixes and extra features is available. </NOTICE>",
	"server-messed-up-motd-unescaped-placeholders": "MOTD could not be displayed: unescaped placeholders in the template. " +
		"All $ signs should be doubled ($$) unless they name a known placeholder.",
	"server-messed-up-motd-too-long": "MOTD could not be displayed: it exceeds the maximum length of %d characters (got %d).",
}

// Get returns the catalog entry for key, or the key itself when it is
// unknown so callers always have something to show.
func Get(key string) string {
	if msg, ok := catalog[key]; ok {
		return msg
	}
	return key
}

// Getf formats the catalog entry for key with args.
func Getf(key string, args ...any) string {
	return fmt.Sprintf(Get(key), args...)
}
