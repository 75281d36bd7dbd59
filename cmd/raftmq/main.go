package main

import (
	"github.com/galdor/go-service/pkg/service"
)

func main() {
	service.Run("raftmq", "a replicated message queue server", NewService())
}
