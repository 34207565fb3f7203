package main

import "github.com/PedroBSB/second-course-in-statistical-learning/cmd"

func main() {
	cmd.Execute()
}
