package pipeline

const captionPrompt = `List the main ingredients you can see in this food photo, separated by commas.
Name each ingredient plainly, for example: raw salmon, white rice.
Leave out the dish name, cooking methods, amounts and any other commentary.
Do not use brackets, quotes or other formatting.
Example reply: raw salmon, white rice, cucumber, sesame seeds
If the photo is unclear or shows no recognizable food, reply with the single word False.`

const estimatePromptTemplate = `You are a nutrition researcher. Analyze the food in the attached photo and estimate its nutritional content.

Ingredients identified in the photo: %s

Reference nutrition facts per 100g, from the USDA SR Legacy database, keyed by the closest matching food description:
%s

Weight estimation
- Estimate the weight of each visible ingredient from typical portions and the proportions in the photo.
- Account for cooking methods that change weight.

Nutrition estimation
- Use the reference facts where they fit what is visible. If a reference entry does not match the food in the photo, ignore it and use your own nutrition knowledge instead.
- Do not overestimate.

Reply in markdown with these sections, each titled at h3 size:

### Overview
Name the dish and list each ingredient with its estimated weight. Put any assumptions in italics.

### Nutrition Estimation
One line per ingredient with final values only, as ranges of +/-10%%, units at the end.
Example: Bread (50-60g): Energy 140-160 kcal, Protein 4-5g, Fat 2-3g, Carbs 28-32g

### Summary
A table of the dish totals as +/-10%% ranges for Energy (kcal), Protein (g), Fat (g) and Carbohydrates (g).
After the table, repeat the totals in a fenced block tagged summary, one nutrient per line as Nutrient | Min | Max | Unit:
` + "```summary" + `
Energy | 450 | 550 | kcal
Protein | 30 | 35 | g
Fat | 10 | 15 | g
Carbohydrates | 40 | 50 | g
` + "```" + `

Keep the tone friendly and professional. Show ranges, not exact figures, and no calculation steps.`

const parsePrompt = `Extract the numeric ranges from the Summary section of the nutrition analysis below and return them as JSON.

Example input:
Summary
Nutrient	Total Estimated Values (+/-10%)
Energy	493 - 611 kcal
Protein	32 - 39g
Fat	25 - 32g
Carbohydrates	31 - 42g

Expected output:
{
    "data": [
        {"nutrient": "energy", "min": 493, "max": 611},
        {"nutrient": "protein", "min": 32, "max": 39},
        {"nutrient": "fat", "min": 25, "max": 32},
        {"nutrient": "carbs", "min": 31, "max": 42}
    ]
}

Rules:
- Use only the nutrient names energy, protein, fat and carbs.
- Drop all units (kcal, g) and return numbers.
- Return a single valid JSON object shaped exactly like the example.
- If there is no summary table, return {"data": []}.`

const summaryPrompt = `You are a nutritionist. Write a short summary of the meal analysis below.

1. Open with one sentence naming the dish and its main components.
2. Describe the balance of protein, carbohydrate and fat.
3. Mention notable characteristics such as protein-rich or well balanced.
4. Keep it to 3-4 sentences in plain text, with no lists or formatting.
5. State facts, not recommendations.

Example: "This sushi roll combines salmon and rice for a balanced meal of about 400-450 calories. Carbohydrates make up roughly 40% of the energy, with protein and fat sharing the rest. It is a good source of omega-3 fatty acids and complete protein."`
