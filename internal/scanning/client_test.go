package scanning

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
)

// capturedForm holds the multipart fields the fake backend received
type capturedForm struct {
	fields          map[string]string
	fileName        string
	fileContentType string
	fileSize        int
}

func captureMultipart(into *capturedForm) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer GinkgoRecover()
		Expect(r.ParseMultipartForm(32 << 20)).To(Succeed())

		into.fields = make(map[string]string)
		for key, values := range r.MultipartForm.Value {
			into.fields[key] = values[0]
		}
		if files := r.MultipartForm.File["file"]; len(files) > 0 {
			into.fileName = files[0].Filename
			into.fileContentType = files[0].Header.Get("Content-Type")
			into.fileSize = int(files[0].Size)
		}
	}
}

var _ = Describe("Client", func() {
	var (
		server *ghttp.Server
		client *Client
		creds  Credentials
		ctx    context.Context
		asset  ImageAsset
	)

	BeforeEach(func() {
		server = ghttp.NewServer()
		var err error
		client, err = NewClient(server.URL()+"/", time.Second, NewPreparer(256, 70))
		Expect(err).NotTo(HaveOccurred())

		creds = Credentials{Token: "tok-123", UserID: "user-7"}
		ctx = context.Background()

		path := writeTestImage(GinkgoT().TempDir(), "lesion.jpg", 400, 300)
		asset = ImageAsset{URI: path, Width: 400, Height: 300}
	})

	AfterEach(func() {
		server.Close()
	})

	Describe("NewClient", func() {
		It("should require a base URL", func() {
			_, err := NewClient("  ", 0, nil)
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("PreScreen", func() {
		var form capturedForm

		When("the backend finds candidate conditions", func() {
			BeforeEach(func() {
				form = capturedForm{}
				server.AppendHandlers(ghttp.CombineHandlers(
					ghttp.VerifyRequest(http.MethodPost, "/models/check"),
					ghttp.VerifyHeaderKV("Authorization", "Bearer tok-123"),
					captureMultipart(&form),
					ghttp.RespondWith(http.StatusOK, `{"conditions": [{"condition": {"name": "Nevus"}, "confidence": 0.7}]}`),
				))
			})

			It("should report a lesion", func() {
				result, err := client.PreScreen(ctx, asset, creds)
				Expect(err).NotTo(HaveOccurred())
				Expect(result.LesionDetected).To(BeTrue())
				Expect(result.RawConditions).To(Equal([]string{"Nevus"}))
			})

			It("should upload the image as a JPEG file part", func() {
				_, err := client.PreScreen(ctx, asset, creds)
				Expect(err).NotTo(HaveOccurred())
				Expect(form.fileName).To(HavePrefix("skin-lesion-"))
				Expect(form.fileName).To(HaveSuffix(".jpg"))
				Expect(form.fileContentType).To(Equal("image/jpeg"))
				Expect(form.fileSize).To(BeNumerically(">", 0))
			})
		})

		When("the backend returns no conditions", func() {
			BeforeEach(func() {
				server.AppendHandlers(ghttp.RespondWith(http.StatusOK, `{"conditions": []}`))
			})

			It("should report no lesion", func() {
				result, err := client.PreScreen(ctx, asset, creds)
				Expect(err).NotTo(HaveOccurred())
				Expect(result.LesionDetected).To(BeFalse())
			})
		})

		When("the image file does not exist", func() {
			It("should return a validation error without calling the backend", func() {
				missing := ImageAsset{URI: filepath.Join(GinkgoT().TempDir(), "gone.jpg"), Width: 300, Height: 300}
				_, err := client.PreScreen(ctx, missing, creds)
				Expect(IsValidation(err)).To(BeTrue())
				Expect(IsNetwork(err)).To(BeFalse())
				Expect(IsServer(err)).To(BeFalse())
				Expect(server.ReceivedRequests()).To(BeEmpty())
			})
		})

		When("the image file is not an image", func() {
			It("should return a validation error without calling the backend", func() {
				path := filepath.Join(GinkgoT().TempDir(), "notes.jpg")
				Expect(os.WriteFile(path, []byte("not an image"), 0644)).To(Succeed())
				_, err := client.PreScreen(ctx, ImageAsset{URI: path, Width: 300, Height: 300}, creds)
				Expect(IsValidation(err)).To(BeTrue())
				Expect(server.ReceivedRequests()).To(BeEmpty())
			})
		})

		When("credentials are missing", func() {
			It("should fail without calling the backend", func() {
				_, err := client.PreScreen(ctx, asset, Credentials{Token: "tok-123"})
				Expect(err).To(MatchError(ErrAuthMissing))
				Expect(server.ReceivedRequests()).To(BeEmpty())
			})
		})

		When("the backend fails", func() {
			BeforeEach(func() {
				server.AppendHandlers(ghttp.RespondWith(http.StatusBadGateway, "upstream down"))
			})

			It("should return a server error with the status", func() {
				_, err := client.PreScreen(ctx, asset, creds)
				var serverErr *ServerError
				Expect(err).To(BeAssignableToTypeOf(serverErr))
				serverErr = err.(*ServerError)
				Expect(serverErr.StatusCode).To(Equal(http.StatusBadGateway))
				Expect(serverErr.Body).To(Equal("upstream down"))
			})
		})

		When("the backend is unreachable", func() {
			It("should return a network error", func() {
				server.Close()
				_, err := client.PreScreen(ctx, asset, creds)
				Expect(IsNetwork(err)).To(BeTrue())
			})
		})
	})

	Describe("Submit", func() {
		When("submitting an image with symptoms", func() {
			var form capturedForm

			BeforeEach(func() {
				form = capturedForm{}
				server.AppendHandlers(ghttp.CombineHandlers(
					ghttp.VerifyRequest(http.MethodPost, "/models/image"),
					ghttp.VerifyHeaderKV("Authorization", "Bearer tok-123"),
					captureMultipart(&form),
					ghttp.RespondWith(http.StatusOK, `{"conditions": ["Melanoma"], "confidence": 0.91, "risk": "HIGH"}`),
				))
			})

			It("should send the user, consent and symptoms fields", func() {
				raw, err := client.Submit(ctx, ImageInput{Asset: asset, Symptoms: " itchy for a week "}, false, creds)
				Expect(err).NotTo(HaveOccurred())
				Expect(string(raw)).To(ContainSubstring("Melanoma"))

				Expect(form.fields).To(Equal(map[string]string{
					"userId":   "user-7",
					"consent":  "false",
					"symptoms": "itchy for a week",
				}))
				Expect(form.fileContentType).To(Equal("image/jpeg"))
			})
		})

		When("submitting an image with consent and no symptoms", func() {
			var form capturedForm

			BeforeEach(func() {
				form = capturedForm{}
				server.AppendHandlers(ghttp.CombineHandlers(
					captureMultipart(&form),
					ghttp.RespondWith(http.StatusOK, `{}`),
				))
			})

			It("should send consent=true and omit symptoms", func() {
				_, err := client.Submit(ctx, ImageInput{Asset: asset}, true, creds)
				Expect(err).NotTo(HaveOccurred())
				Expect(form.fields).To(HaveKeyWithValue("consent", "true"))
				Expect(form.fields).NotTo(HaveKey("symptoms"))
			})
		})

		When("submitting text", func() {
			BeforeEach(func() {
				server.AppendHandlers(ghttp.CombineHandlers(
					ghttp.VerifyRequest(http.MethodPost, "/models/text"),
					ghttp.VerifyHeaderKV("Authorization", "Bearer tok-123"),
					ghttp.VerifyContentType("application/json"),
					ghttp.VerifyJSON(`{"prompt": "itchy red patch on forearm, 3 days", "consent": "false", "userId": "user-7"}`),
					ghttp.RespondWith(http.StatusOK, `{"analysis": {"conditions": ["contact dermatitis"], "confidence": 0.82, "guidance": "monitor for spreading", "risk_level": "LOW"}}`),
				))
			})

			It("should return the raw analysis", func() {
				raw, err := client.Submit(ctx, TextInput{Symptoms: "itchy red patch on forearm, 3 days"}, false, creds)
				Expect(err).NotTo(HaveOccurred())

				result := Normalize(raw)
				Expect(result.Conditions).To(Equal([]string{"contact dermatitis"}))
				Expect(result.Confidence).To(Equal(0.82))
				Expect(result.Risk).To(Equal(RiskLow))
				Expect(result.GuidanceNote).To(Equal("monitor for spreading"))
			})
		})

		When("the text is blank", func() {
			It("should return a validation error without calling the backend", func() {
				_, err := client.Submit(ctx, TextInput{Symptoms: "   "}, false, creds)
				Expect(IsValidation(err)).To(BeTrue())
				Expect(server.ReceivedRequests()).To(BeEmpty())
			})
		})

		When("the image file does not exist", func() {
			It("should return a validation error without calling the backend", func() {
				missing := ImageAsset{URI: filepath.Join(GinkgoT().TempDir(), "gone.jpg"), Width: 300, Height: 300}
				_, err := client.Submit(ctx, ImageInput{Asset: missing}, false, creds)
				Expect(IsValidation(err)).To(BeTrue())
				Expect(server.ReceivedRequests()).To(BeEmpty())
			})
		})

		When("the image file is not an image", func() {
			It("should return a validation error without calling the backend", func() {
				path := filepath.Join(GinkgoT().TempDir(), "notes.png")
				Expect(os.WriteFile(path, []byte("plain text"), 0644)).To(Succeed())
				_, err := client.Submit(ctx, ImageInput{Asset: ImageAsset{URI: path, Width: 300, Height: 300}}, false, creds)
				Expect(IsValidation(err)).To(BeTrue())
				Expect(server.ReceivedRequests()).To(BeEmpty())
			})
		})

		When("credentials are missing", func() {
			It("should fail without calling the backend", func() {
				_, err := client.Submit(ctx, TextInput{Symptoms: "rash"}, false, Credentials{})
				Expect(err).To(MatchError(ErrAuthMissing))
				Expect(server.ReceivedRequests()).To(BeEmpty())
			})
		})

		When("the backend answers with something other than JSON", func() {
			BeforeEach(func() {
				server.AppendHandlers(ghttp.RespondWith(http.StatusOK, "<html>maintenance</html>"))
			})

			It("should return a server error", func() {
				_, err := client.Submit(ctx, TextInput{Symptoms: "rash"}, false, creds)
				Expect(IsServer(err)).To(BeTrue())
			})
		})

		When("the backend rejects the request", func() {
			BeforeEach(func() {
				server.AppendHandlers(ghttp.RespondWith(http.StatusUnauthorized, `{"message": "jwt expired"}`))
			})

			It("should return a server error", func() {
				_, err := client.Submit(ctx, TextInput{Symptoms: "rash"}, false, creds)
				Expect(IsServer(err)).To(BeTrue())
				Expect(err.Error()).To(ContainSubstring("401"))
			})
		})

		When("the error body is very large", func() {
			BeforeEach(func() {
				server.AppendHandlers(ghttp.RespondWith(http.StatusInternalServerError, strings.Repeat("x", 5000)))
			})

			It("should truncate it", func() {
				_, err := client.Submit(ctx, TextInput{Symptoms: "rash"}, false, creds)
				serverErr, ok := err.(*ServerError)
				Expect(ok).To(BeTrue())
				Expect(len(serverErr.Body)).To(Equal(MaxErrorBody + 3))
			})
		})

		When("the request times out", func() {
			BeforeEach(func() {
				var err error
				client, err = NewClient(server.URL(), 50*time.Millisecond, nil)
				Expect(err).NotTo(HaveOccurred())

				server.AppendHandlers(func(w http.ResponseWriter, r *http.Request) {
					_, _ = io.Copy(io.Discard, r.Body)
					time.Sleep(300 * time.Millisecond)
				})
			})

			It("should return a network error", func() {
				_, err := client.Submit(ctx, TextInput{Symptoms: "rash"}, false, creds)
				Expect(IsNetwork(err)).To(BeTrue())
			})
		})
	})
})
