package main

import (
	"github.com/joho/godotenv"

	"github.com/helixml/appbuilder/api/cmd/appbuilder"
)

func main() {
	_ = godotenv.Load()
	appbuilder.Execute()
}
