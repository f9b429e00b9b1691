package main

import (
	"fmt"

	_ "github.com/dashgrid/go-query/filter"
	_ "github.com/dashgrid/go-query/loader"
	_ "github.com/dashgrid/go-query/query"
	_ "github.com/dashgrid/go-query/resilience"
)

func main() {
	fmt.Println("go-query")
}
