package recovery

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var supportedLanguages = []language.Tag{language.English, language.German, language.Spanish}

var languageMatcher = language.NewMatcher(supportedLanguages)

// userMessages seeds the x/text catalog. Raw kinds never reach the user.
var userMessages = map[FailureKind]map[language.Tag]string{
	KindDriverMissing: {
		language.English: "No working GPU driver was found. Please install or reinstall your graphics drivers. Processing continued on the CPU.",
		language.German:  "Es wurde kein funktionierender Grafiktreiber gefunden. Bitte installieren Sie Ihre Grafiktreiber neu. Die Verarbeitung lief auf der CPU weiter.",
		language.Spanish: "No se encontró un controlador de GPU funcional. Instale o reinstale los controladores gráficos. El procesamiento continuó en la CPU.",
	},
	KindDriverCorrupted: {
		language.English: "The acceleration module appears to be damaged. Please reinstall the application or your GPU drivers.",
		language.German:  "Das Beschleunigungsmodul scheint beschädigt zu sein. Bitte installieren Sie die Anwendung oder die Grafiktreiber neu.",
		language.Spanish: "El módulo de aceleración parece estar dañado. Reinstale la aplicación o los controladores de la GPU.",
	},
	KindModelCorrupted: {
		language.English: "The speech model file is damaged. Delete it from the model cache and try again.",
		language.German:  "Die Sprachmodell-Datei ist beschädigt. Löschen Sie sie aus dem Modell-Cache und versuchen Sie es erneut.",
		language.Spanish: "El archivo del modelo de voz está dañado. Elimínelo de la caché de modelos e inténtelo de nuevo.",
	},
	KindDriverIncompatible: {
		language.English: "Your GPU driver version is not supported yet. Install a supported driver or use CPU processing.",
		language.German:  "Ihre Grafiktreiber-Version wird noch nicht unterstützt. Installieren Sie einen unterstützten Treiber oder nutzen Sie die CPU.",
		language.Spanish: "La versión del controlador de la GPU aún no es compatible. Instale un controlador compatible o use la CPU.",
	},
	KindGPUMemoryExhausted: {
		language.English: "Your GPU does not have enough memory for this model. Choose a smaller model or close other applications.",
		language.German:  "Ihre GPU hat nicht genug Speicher für dieses Modell. Wählen Sie ein kleineres Modell oder schließen Sie andere Anwendungen.",
		language.Spanish: "Su GPU no tiene memoria suficiente para este modelo. Elija un modelo más pequeño o cierre otras aplicaciones.",
	},
	KindNetworkFailure: {
		language.English: "The speech model could not be downloaded. Check your internet connection and try again.",
		language.German:  "Das Sprachmodell konnte nicht heruntergeladen werden. Prüfen Sie Ihre Internetverbindung und versuchen Sie es erneut.",
		language.Spanish: "No se pudo descargar el modelo de voz. Compruebe su conexión a internet e inténtelo de nuevo.",
	},
	KindRuntimeFault: {
		language.English: "Transcription failed unexpectedly. Please try again.",
		language.German:  "Die Transkription ist unerwartet fehlgeschlagen. Bitte versuchen Sie es erneut.",
		language.Spanish: "La transcripción falló de forma inesperada. Inténtelo de nuevo.",
	},
	KindUnknown: {
		language.English: "Transcription failed. Please try again or contact support.",
		language.German:  "Die Transkription ist fehlgeschlagen. Bitte versuchen Sie es erneut oder wenden Sie sich an den Support.",
		language.Spanish: "La transcripción falló. Inténtelo de nuevo o contacte con soporte.",
	},
	KindFatal: {
		language.English: "Transcription is not possible on this system, even on the CPU. Please reinstall the application.",
		language.German:  "Eine Transkription ist auf diesem System nicht möglich, auch nicht auf der CPU. Bitte installieren Sie die Anwendung neu.",
		language.Spanish: "La transcripción no es posible en este sistema, ni siquiera en la CPU. Reinstale la aplicación.",
	},
}

func messageKey(kind FailureKind) string {
	return "failure." + string(kind)
}

func init() {
	for kind, byLang := range userMessages {
		for tag, text := range byLang {
			_ = message.SetString(tag, messageKey(kind), text)
		}
	}
}

// UserMessage returns the translated, user-presentable message for kind.
// lang is a BCP 47 tag such as "de-AT"; unsupported languages get English.
func UserMessage(lang string, kind FailureKind) string {
	if _, ok := userMessages[kind]; !ok {
		kind = KindUnknown
	}
	tag, _, _ := languageMatcher.Match(language.Make(lang))
	base, _ := tag.Base()
	printer := message.NewPrinter(language.Make(base.String()))
	return printer.Sprintf(messageKey(kind))
}
