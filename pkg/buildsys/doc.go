// Package buildsys implements a minimal task runner based on Starlark for the task specification
// and mvdan.cc/sh for the shell runtime.
// It replaces the Makefile of a Python project: the task script declares operations like setup, shell
// and clean, and every task runs the same way on POSIX systems and Windows.
package buildsys
