// Command runstream streams assistant responses from a producer into a
// terminal and persists them.
//
//	runstream chat --conversation demo "Summarize the release notes"
//	runstream chat --mode slides "Outline a talk about Go generics"
//	runstream replay recordings/*.sse
//	runstream history --conversation demo
//
// Configuration is read from --config (TOML) with RUNSTREAM_* environment
// overrides; a .env file in the working directory is loaded first.
package main
