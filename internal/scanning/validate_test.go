package scanning

import (
	"errors"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("ValidateInput", func() {
	var (
		input ScanInput
		err   error
	)

	JustBeforeEach(func() {
		err = ValidateInput(input)
	})

	fieldOf := func(err error) string {
		var v *ValidationError
		Expect(errors.As(err, &v)).To(BeTrue())
		return v.Field
	}

	When("the input is nil", func() {
		BeforeEach(func() {
			input = nil
		})

		It("should return a validation error", func() {
			Expect(IsValidation(err)).To(BeTrue())
		})
	})

	When("the text input is valid", func() {
		BeforeEach(func() {
			input = TextInput{Symptoms: "itchy red patch on forearm, 3 days"}
		})

		It("should not return an error", func() {
			Expect(err).NotTo(HaveOccurred())
		})
	})

	When("the text input is whitespace", func() {
		BeforeEach(func() {
			input = TextInput{Symptoms: " \n\t "}
		})

		It("should reject it", func() {
			Expect(fieldOf(err)).To(Equal("symptoms"))
			Expect(err.Error()).To(ContainSubstring("must not be empty"))
		})
	})

	When("the text input is too long", func() {
		BeforeEach(func() {
			input = TextInput{Symptoms: strings.Repeat("a", 501)}
		})

		It("should report the limit", func() {
			Expect(err.Error()).To(ContainSubstring("at most 500"))
		})
	})

	When("the image input has no URI", func() {
		BeforeEach(func() {
			input = ImageInput{Asset: ImageAsset{Width: 500, Height: 500}}
		})

		It("should report the image field", func() {
			Expect(fieldOf(err)).To(Equal("image"))
		})
	})

	When("the image input has no symptoms", func() {
		BeforeEach(func() {
			input = ImageInput{Asset: ImageAsset{URI: "file:///tmp/a.jpg", Width: 500, Height: 500}}
		})

		It("should not return an error", func() {
			Expect(err).NotTo(HaveOccurred())
		})
	})
})

var _ = Describe("FieldError", func() {
	type account struct {
		Email    string `validate:"required,email"`
		Password string `validate:"required,min=6"`
		Name     string `validate:"notblank,max=5"`
		Picture  string `validate:"omitempty,url"`
	}

	DescribeTable("reasons",
		func(in account, field, reason string) {
			err := FieldError(Validator().Struct(in), "account")
			var v *ValidationError
			Expect(errors.As(err, &v)).To(BeTrue())
			Expect(v.Field).To(Equal(field))
			Expect(v.Reason).To(Equal(reason))
		},
		Entry("missing email", account{Password: "secret", Name: "Sam"}, "email", "must not be empty"),
		Entry("bad email", account{Email: "nope", Password: "secret", Name: "Sam"}, "email", "must be a valid email address"),
		Entry("short password", account{Email: "sam@example.com", Password: "abc", Name: "Sam"}, "password", "must be at least 6 characters"),
		Entry("blank name", account{Email: "sam@example.com", Password: "secret", Name: "  "}, "name", "must not be empty"),
		Entry("long name", account{Email: "sam@example.com", Password: "secret", Name: "Samantha"}, "name", "must be at most 5 characters"),
		Entry("bad picture", account{Email: "sam@example.com", Password: "secret", Name: "Sam", Picture: "not a url"}, "picture", "must be a valid URL"),
	)

	It("should report non-field errors against the fallback", func() {
		err := FieldError(errors.New("boom"), "account")
		var v *ValidationError
		Expect(errors.As(err, &v)).To(BeTrue())
		Expect(v.Field).To(Equal("account"))
	})
})
