package workflow

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/amuif/derma-scan/internal/scanning"
)

var _ = Describe("Controller against the HTTP client", func() {
	var (
		server   *ghttp.Server
		ctrl     *Controller
		ctx      context.Context
		mu       sync.Mutex
		consents []string
	)

	recordConsent := func(w http.ResponseWriter, r *http.Request) {
		defer GinkgoRecover()
		Expect(r.ParseMultipartForm(32 << 20)).To(Succeed())
		mu.Lock()
		consents = append(consents, r.FormValue("consent"))
		mu.Unlock()
	}

	writeJPEG := func(width, height int) string {
		var buf bytes.Buffer
		Expect(jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, width, height)), nil)).To(Succeed())
		path := filepath.Join(GinkgoT().TempDir(), "lesion.jpg")
		Expect(os.WriteFile(path, buf.Bytes(), 0644)).To(Succeed())
		return path
	}

	BeforeEach(func() {
		server = ghttp.NewServer()
		consents = nil
		ctx = context.Background()

		client, err := scanning.NewClient(server.URL(), 2*time.Second, scanning.NewPreparer(512, 70))
		Expect(err).NotTo(HaveOccurred())
		ctrl = NewController(client, scanning.StaticCredentials{Token: "tok", UserID: "42"}, scanning.DefaultPolicy())
	})

	AfterEach(func() {
		server.Close()
	})

	It("should pre-screen, analyze and share an image", func() {
		server.AppendHandlers(
			ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodPost, "/models/check"),
				ghttp.RespondWith(http.StatusOK, `{"conditions": [{"condition": {"name": "Basal cell carcinoma"}}]}`),
			),
			ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodPost, "/models/image"),
				recordConsent,
				ghttp.RespondWith(http.StatusOK, `{"conditions": ["Basal cell carcinoma"], "confidence": 78, "risk": "high", "symptomNote": "Book a dermatology appointment"}`),
			),
			ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodPost, "/models/image"),
				recordConsent,
				ghttp.RespondWith(http.StatusOK, `{"conditions": ["Basal cell carcinoma"], "confidence": 78, "risk": "high"}`),
			),
		)

		path := writeJPEG(640, 640)
		pre, err := ctrl.SelectImage(ctx, scanning.ImageAsset{URI: path, Width: 640, Height: 640})
		Expect(err).NotTo(HaveOccurred())
		Expect(pre.LesionDetected).To(BeTrue())

		result, err := ctrl.Submit(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Conditions).To(Equal([]string{"Basal cell carcinoma"}))
		Expect(result.Confidence).To(BeNumerically("~", 0.78, 1e-9))
		Expect(result.Risk).To(Equal(scanning.RiskHigh))
		Expect(result.GuidanceNote).To(Equal("Book a dermatology appointment"))

		_, err = ctrl.Share(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(ctrl.Snapshot().Shared).To(BeTrue())

		Expect(server.ReceivedRequests()).To(HaveLen(3))
		Expect(consents).To(Equal([]string{"false", "true"}))
	})

	It("should make no request for an image below the minimum", func() {
		_, err := ctrl.SelectImage(ctx, scanning.ImageAsset{URI: writeJPEG(100, 100), Width: 100, Height: 100})
		Expect(scanning.IsValidation(err)).To(BeTrue())
		Expect(server.ReceivedRequests()).To(BeEmpty())
	})

	It("should analyze text without a pre-screen", func() {
		server.AppendHandlers(ghttp.CombineHandlers(
			ghttp.VerifyRequest(http.MethodPost, "/models/text"),
			ghttp.VerifyJSON(`{"prompt": "itchy red patch on forearm, 3 days", "consent": "false", "userId": "42"}`),
			ghttp.RespondWith(http.StatusOK, `{"analysis": {"conditions": ["contact dermatitis"], "confidence": 0.82, "guidance": "monitor for spreading", "risk_level": "LOW"}}`),
		))

		Expect(ctrl.EnterText("itchy red patch on forearm, 3 days")).To(Succeed())
		result, err := ctrl.Submit(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Conditions).To(Equal([]string{"contact dermatitis"}))
		Expect(result.Confidence).To(Equal(0.82))
		Expect(result.Risk).To(Equal(scanning.RiskLow))
		Expect(result.GuidanceNote).To(Equal("monitor for spreading"))
	})

	It("should roll back when the backend errors", func() {
		server.AppendHandlers(ghttp.RespondWith(http.StatusInternalServerError, `{"message": "model unavailable"}`))

		Expect(ctrl.EnterText("rash")).To(Succeed())
		_, err := ctrl.Submit(ctx)
		Expect(scanning.IsServer(err)).To(BeTrue())
		Expect(ctrl.Snapshot().State).To(Equal(StateTextEntered))
	})
})
