// Command versiondll builds version.dll for the Vivaldi application
// directory: go build -buildmode=c-shared -o version.dll ./cmd/versiondll
package main

import "C"

func main() {}
