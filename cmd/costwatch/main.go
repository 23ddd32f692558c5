package main

import "cost-anomaly-alerts/internal/cli"

func main() {
	cli.Execute()
}
