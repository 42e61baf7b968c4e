package workflow

import (
	"fmt"
	"strings"
	"time"

	"github.com/shohag/salondesk/internal/models"
)

const (
	dateLayout  = "02/01/2006"
	clockLayout = "15:04"
)

const (
	msgAcknowledge   = "Perfeito! Vou ajudar com o seu agendamento. ✨"
	msgChecking      = "Deixa-me verificar os horários disponíveis... ⏳"
	msgCreating      = "A confirmar o seu agendamento... ⏳"
	msgStillWorking  = "Ainda estou a tratar do seu pedido, só um momento... ⏳"
	msgBookingFailed = "❌ Houve um problema ao confirmar o agendamento. Pode tentar novamente?"
	msgSlotTaken     = "❌ Esse horário acabou de ficar ocupado. Pode tentar novamente com outro horário?"
	msgApology       = "Desculpe, ocorreu um erro do nosso lado. Por favor tente novamente daqui a pouco. 🙏"
	msgUnknownTime   = "Não percebi o horário. Pode indicar, por exemplo, 14:30?"
)

func serviceMenu(services []models.Service) string {
	var b strings.Builder
	b.WriteString("Que serviço te interessa? Temos:\n")
	for _, s := range services {
		if !s.Active {
			continue
		}
		fmt.Fprintf(&b, "\n💅 %s (%s, %dmin)", s.Name, s.PriceLabel(), s.DurationMinutes)
	}
	return b.String()
}

func dayLabel(day, today time.Time) string {
	switch {
	case sameDay(day, today):
		return "hoje"
	case sameDay(day, today.AddDate(0, 0, 1)):
		return "amanhã"
	default:
		return "no dia"
	}
}

func slotsMessage(svc models.Service, day, today time.Time, shown []time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Ótimo! Para %s %s (%s), tenho estes horários:\n", svc.Name, dayLabel(day, today), day.Format(dateLayout))
	for _, s := range shown {
		fmt.Fprintf(&b, "\n• %s", s.Format(clockLayout))
	}
	b.WriteString("\n\nQual prefere?")
	return b.String()
}

func noSlotsMessage(svc models.Service, day, today time.Time) string {
	return fmt.Sprintf("Infelizmente já não tenho horários livres para %s %s (%s). Quer experimentar outro dia?",
		svc.Name, dayLabel(day, today), day.Format(dateLayout))
}

func askNameMessage(start time.Time) string {
	return fmt.Sprintf("Perfeito! %s está ótimo. Posso saber o seu nome para confirmar o agendamento?", start.Format(clockLayout))
}

func outsideHoursMessage(openHour, closeHour int) string {
	return fmt.Sprintf("Esse horário não está disponível. Atendemos entre as %02d:00 e as %02d:00, pode escolher outro?", openHour, closeHour)
}

func confirmationMessage(name string, svc models.Service, start time.Time, operator string) string {
	var b strings.Builder
	b.WriteString("✅ *Agendamento Confirmado!*\n\n")
	fmt.Fprintf(&b, "👤 Cliente: %s\n", name)
	fmt.Fprintf(&b, "💅 Serviço: %s\n", svc.Name)
	fmt.Fprintf(&b, "📅 Data: %s às %s\n\n", start.Format(dateLayout), start.Format(clockLayout))
	if operator != "" {
		fmt.Fprintf(&b, "%s foi notificada automaticamente. ", operator)
	}
	b.WriteString("Até breve! 😊")
	return b.String()
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
