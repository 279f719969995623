package main

import "callaudit/internal/app"

func main() {
	app.Main()
}
