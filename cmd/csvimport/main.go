// Command csvimport runs, inspects and undoes CSV imports from the shell.
//
// It shares the database and storage directories of the server. Imports run in
// the foreground on a single worker; Ctrl-C stops the running import so that it
// can be resumed later.
package main

func main() {
	Execute()
}
