package alerts

import "fmt"

func preliminaryMessage(ratio float64) string {
	return fmt.Sprintf("Preliminary signal: volume exceeded %.2fx", ratio)
}

func finalMessage(trueSignal bool, ratio float64) string {
	if trueSignal {
		return fmt.Sprintf("Final signal: true LONG (volume %.2fx)", ratio)
	}
	return fmt.Sprintf("Final signal: false LONG (volume %.2fx)", ratio)
}

func volumeMessage(ratio float64) string {
	return fmt.Sprintf("Volume exceeded %.2fx (true signal)", ratio)
}

func consecutiveMessage(count int) string {
	return fmt.Sprintf("%d consecutive closed LONG candles", count)
}

func priorityMessage(count int, hasImbalance bool) string {
	if hasImbalance {
		return fmt.Sprintf("Priority signal: %d LONG candles + volume spike + imbalance", count)
	}
	return fmt.Sprintf("Priority signal: %d LONG candles + volume spike", count)
}
